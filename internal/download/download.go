/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package download implements the Download Pipeline (spec §4.6, C8): on
// a recycling hit, retrieving each output file by PA descriptor and
// materializing it in the workspace, skipping any output that already
// exists with a matching digest. Grounded on ingesters/utils/state.go's
// safefile.Create/Commit atomic-write pattern, generalized here with
// google/renameio so a crash mid-download never leaves a torn output
// (spec §4.6: "on any download error, the stub output is unlinked").
package download

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/audited-objects/ao/internal/roadmap"
	"github.com/audited-objects/ao/internal/serverapi"
	"github.com/audited-objects/ao/internal/wire"
	"github.com/google/renameio"
)

var ErrDigestMismatch = errors.New("download: materialized file digest does not match descriptor")

// Pipeline retrieves a candidate's recorded outputs from the server and
// reproduces them in the current workspace (spec §4.5/§4.6). Downloads
// are synchronous against the single client handle, per spec §5's
// "Downloads during recycling are synchronous against a single handle
// per file."
type Pipeline struct {
	api *serverapi.Client
}

func New(api *serverapi.Client) *Pipeline {
	return &Pipeline{api: api}
}

// Materialize downloads every output in entry that isn't already present
// in the workspace with a matching digest. It returns the number of
// files actually downloaded (vs. skipped because already current).
func (p *Pipeline) Materialize(entry roadmap.Entry) (int, error) {
	downloaded := 0
	for _, out := range entry.Outputs {
		current, fi, err := wire.DigestFile(out.AbsPath)
		if err == nil && current == out.Digest {
			continue // already current, spec §4.6
		}
		_ = fi
		if err := p.fetchOne(out); err != nil {
			return downloaded, err
		}
		downloaded++
	}
	return downloaded, nil
}

// fetchOne downloads a single output descriptor, writing it atomically
// via renameio's temp-file-then-rename so a partial write is never
// observed at out.AbsPath, then restoring mode and mtime from the
// server's response headers (spec §4.6's "set the output file's mode
// and mtime from the server-supplied headers").
func (p *Pipeline) fetchOne(out roadmap.OutputDescriptor) (retErr error) {
	pathState, err := wire.EncodeRecord([]string{out.AbsPath, out.RelPath, string(out.Digest)})
	if err != nil {
		return err
	}

	res, err := p.api.Download(pathState)
	if err != nil {
		return err
	}
	defer res.Content.Close()

	t, err := renameio.TempFile("", out.AbsPath)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			t.Cleanup()
			os.Remove(out.AbsPath) // spec §4.6: unlink the stub on any download error
		}
	}()

	if _, err := io.Copy(t, res.Content); err != nil {
		return err
	}

	mode := os.FileMode(out.Mode)
	if res.Mode != 0 {
		mode = os.FileMode(res.Mode)
	}
	if err := t.Chmod(mode); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}

	mtime := out.Moment.Time()
	if res.MtimeUnix != 0 {
		mtime = time.Unix(res.MtimeUnix, 0)
	}
	return os.Chtimes(out.AbsPath, mtime, mtime)
}
