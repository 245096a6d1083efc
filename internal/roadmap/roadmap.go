/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package roadmap implements the Roadmap / Recycler (spec §4.5, C6): a
// bbolt-backed index from command-signature to candidate pathcodes, and
// from pathcode to the output descriptors a prior run produced, plus
// the matching algorithm that decides whether a Command-Action can be
// recycled instead of executed.
package roadmap

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/audited-objects/ao/internal/access"
	"github.com/audited-objects/ao/internal/action"
	"github.com/audited-objects/ao/internal/wire"
	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSignatures = []byte("command-signatures")
	bucketPathcodes  = []byte("pathcodes")
)

// OutputDescriptor is one member of a Roadmap entry's output list (spec
// §3): the identity, content digest, mode and moment of a file a prior
// CA produced.
type OutputDescriptor struct {
	AbsPath    string      `json:"abs_path"`
	RelPath    string      `json:"rel_path"`
	Digest     wire.Digest `json:"digest"`
	Mode       uint32      `json:"mode"`
	Moment     wire.Moment `json:"moment"`
}

// Entry is a persisted Roadmap entry, keyed by pathcode (spec §3).
type Entry struct {
	Pathcode wire.Digest        `json:"pathcode"`
	PTX      string             `json:"ptx"`
	Reads    []ReadRequirement  `json:"reads"`
	Outputs  []OutputDescriptor `json:"outputs"`
}

// ReadRequirement is one input the recycler must re-verify in the
// current workspace before trusting a candidate (spec §4.5: "if every
// read input in the candidate still has the same pre-state digest in
// this workspace, the candidate matches").
type ReadRequirement struct {
	AbsPath string      `json:"abs_path"`
	Digest  wire.Digest `json:"digest"`
}

// Roadmap is the recycling index. It is not read-only after load: the
// monitor adds an entry (Put) for every CA it publishes, so later
// commands in the same session can recycle it. It is backed by a bbolt database so large projects' roadmaps don't
// need to live entirely in memory.
type Roadmap struct {
	db   *bolt.DB
	lock *flock.Flock
	path string
}

// Open opens (creating if absent) the bbolt-backed roadmap database at
// path, taking an advisory file lock on a sibling .lock file so two
// monitor processes sharing a cache directory (e.g. concurrent `make
// -j` sub-builds) never corrupt it concurrently.
func Open(path string) (*Roadmap, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("roadmap: %s is locked by another monitor process", path)
	}
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSignatures); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPathcodes)
		return err
	}); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	return &Roadmap{db: db, lock: lock, path: path}, nil
}

func (r *Roadmap) Close() error {
	err := r.db.Close()
	r.lock.Unlock()
	return err
}

// Empty reports whether the roadmap has no candidates at all, the
// trigger for spec §4.5's "if no candidate exists, recycling is
// skipped (MUSTRUN)" at the signature level.
func (r *Roadmap) Empty() (bool, error) {
	empty := true
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSignatures)
		c := b.Cursor()
		if k, _ := c.First(); k != nil {
			empty = false
		}
		return nil
	})
	return empty, err
}

// Put stores one roadmap entry and indexes it under its command
// signature, as would happen after downloading the project's roadmap
// (spec §4.5) or after a freshly-published CA extends it for later
// sessions (spec §4.7's "optionally request a refreshed roadmap").
func (r *Roadmap) Put(signature wire.Digest, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPathcodes).Put([]byte(e.Pathcode), payload); err != nil {
			return err
		}
		sb := tx.Bucket(bucketSignatures)
		var codes []string
		if existing := sb.Get([]byte(signature)); existing != nil {
			if err := json.Unmarshal(existing, &codes); err != nil {
				return err
			}
		}
		codes = appendUnique(codes, string(e.Pathcode))
		merged, err := json.Marshal(codes)
		if err != nil {
			return err
		}
		return sb.Put([]byte(signature), merged)
	})
}

func appendUnique(ss []string, v string) []string {
	for _, s := range ss {
		if s == v {
			return ss
		}
	}
	return append(ss, v)
}

// Candidates returns every pathcode entry registered under a command
// signature (spec §4.5's provisional lookup).
func (r *Roadmap) Candidates(signature wire.Digest) ([]Entry, error) {
	var entries []Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSignatures)
		raw := sb.Get([]byte(signature))
		if raw == nil {
			return nil
		}
		var codes []string
		if err := json.Unmarshal(raw, &codes); err != nil {
			return err
		}
		pb := tx.Bucket(bucketPathcodes)
		for _, code := range codes {
			v := pb.Get([]byte(code))
			if v == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	// Most-recent-PTX wins ties (spec §4.5): sort descending by PTX so
	// the matcher's "first match wins" walk prefers the newest.
	sort.Slice(entries, func(i, j int) bool { return entries[i].PTX > entries[j].PTX })
	return entries, err
}

// Decision is the recycler's verdict for one SOA (spec §4.5).
type Decision int

const (
	MustRun Decision = iota
	Recycled
)

var ErrDownloadFailed = errors.New("roadmap: candidate output download failed")

// Match walks candidates for signature and returns the first whose
// recorded reads all still match the current workspace's pre-state
// digests, per spec §4.5. statFn abstracts the filesystem so callers
// can stub it in tests; the monitor passes a wrapper around
// wire.DigestFile that reports false when the file cannot be digested.
func (r *Roadmap) Match(signature wire.Digest, statFn func(path string) (wire.Digest, bool)) (Entry, Decision, error) {
	candidates, err := r.Candidates(signature)
	if err != nil {
		return Entry{}, MustRun, err
	}
	for _, cand := range candidates {
		if allReadsMatch(cand.Reads, statFn) {
			return cand, Recycled, nil
		}
	}
	return Entry{}, MustRun, nil
}

func allReadsMatch(reqs []ReadRequirement, statFn func(path string) (wire.Digest, bool)) bool {
	for _, req := range reqs {
		digest, ok := statFn(req.AbsPath)
		if !ok || digest != req.Digest {
			return false
		}
	}
	return true
}

// manifestRecord pairs a persisted Entry with the command signature it
// was indexed under, the unit ExportManifest/ImportManifest exchange
// with the server's "refreshed roadmap" response (spec §4.7).
type manifestRecord struct {
	Signature string
	Entry     Entry
}

// ExportManifest snapshots the whole roadmap into a single gob-encoded
// file, written atomically so a reader never observes a half-written
// manifest (spec §4.7's "optionally request a refreshed roadmap for
// subsequent activations" implies the inverse: publishing one). Grounded
// on ingesters/utils/state.go's safefile.Create/Commit write pattern.
func (r *Roadmap) ExportManifest(path string) (err error) {
	records, err := r.allRecords()
	if err != nil {
		return err
	}
	var fout *safefile.File
	if fout, err = safefile.Create(path, 0640); err != nil {
		return err
	}
	name := fout.Name()
	if err = gob.NewEncoder(fout).Encode(records); err != nil {
		fout.Close()
		os.Remove(name)
		return err
	}
	if err = fout.Commit(); err != nil {
		fout.Close()
		os.Remove(name)
	}
	return err
}

// ImportManifest merges a previously exported manifest into this
// roadmap, used when a server hands back a refreshed roadmap ahead of
// the next activation (spec §4.7).
func (r *Roadmap) ImportManifest(path string) error {
	fin, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fin.Close()
	return r.ImportManifestReader(fin)
}

// ImportManifestReader merges a manifest read directly off the wire —
// the shape the server's ROADMAP endpoint hands back (spec §6) — with
// no intermediate temp file.
func (r *Roadmap) ImportManifestReader(rd io.Reader) error {
	var records []manifestRecord
	if err := gob.NewDecoder(rd).Decode(&records); err != nil {
		return err
	}
	for _, rec := range records {
		if err := r.Put(wire.Digest(rec.Signature), rec.Entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Roadmap) allRecords() ([]manifestRecord, error) {
	var out []manifestRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSignatures)
		pb := tx.Bucket(bucketPathcodes)
		return sb.ForEach(func(sig, raw []byte) error {
			var codes []string
			if err := json.Unmarshal(raw, &codes); err != nil {
				return err
			}
			for _, code := range codes {
				v := pb.Get([]byte(code))
				if v == nil {
					continue
				}
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				out = append(out, manifestRecord{Signature: string(sig), Entry: e})
			}
			return nil
		})
	})
	return out, err
}

// BuildEntry constructs the Roadmap Entry a freshly-published,
// non-recycled CA contributes, from its closed path table (spec §3's
// Roadmap entry fields).
func BuildEntry(ca *action.CA, ptx string, programDigest wire.Digest) Entry {
	var reads []ReadRequirement
	var outputs []OutputDescriptor
	for _, rec := range ca.Paths() {
		if rec.Ops&access.OpRead != 0 && !rec.PreDigest.Empty() {
			reads = append(reads, ReadRequirement{AbsPath: rec.AbsPath, Digest: rec.PreDigest})
		}
		if rec.Uploadable && !rec.PostDigest.Empty() {
			outputs = append(outputs, OutputDescriptor{
				AbsPath: rec.AbsPath,
				RelPath: rec.RelPath,
				Digest:  rec.PostDigest,
				Mode:    rec.Mode,
				Moment:  rec.LastAccess,
			})
		}
	}
	return Entry{
		Pathcode: ca.ComputePathcode(programDigest),
		PTX:      ptx,
		Reads:    reads,
		Outputs:  outputs,
	}
}
