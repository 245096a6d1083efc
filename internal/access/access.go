/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package access implements the Path-Access Collector (spec §4.1): the
// per-process record of every distinct path touched by the audited
// program, fed by the syscall-interposition shim's single sink call,
// "record access(path, op, moment, pre-result)" (spec §9), which is
// outside this package's scope to implement.
package access

import (
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/audited-objects/ao/internal/wire"
)

// Op is a single file-system operation tag. Multiple ops accumulate into
// a Record's op-set as the owning process keeps touching the same path.
type Op uint16

const (
	OpRead Op = 1 << iota
	OpWrite
	OpCreate
	OpUnlink
	OpRenameFrom
	OpRenameTo
	OpStat
	OpExec
)

var opNames = []struct {
	bit  Op
	name string
}{
	{OpRead, "read"}, {OpWrite, "write"}, {OpCreate, "create"},
	{OpUnlink, "unlink"}, {OpRenameFrom, "rename-from"}, {OpRenameTo, "rename-to"},
	{OpStat, "stat-only"}, {OpExec, "exec"},
}

func (o Op) String() string {
	var s string
	for _, e := range opNames {
		if o&e.bit != 0 {
			if s != "" {
				s += ","
			}
			s += e.name
		}
	}
	return s
}

func ParseOps(s string) (o Op) {
	if s == "" {
		return 0
	}
	byName := make(map[string]Op, len(opNames))
	for _, e := range opNames {
		byName[e.name] = e.bit
	}
	for _, tok := range splitComma(s) {
		o |= byName[tok]
	}
	return
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Record is one Path-Access: a process's cumulative interaction with a
// single absolute path (spec §3).
type Record struct {
	AbsPath     string
	RelPath     string
	Ops         Op
	FirstAccess wire.Moment
	LastAccess  wire.Moment
	PreDigest   wire.Digest
	PreExisted  bool
	PostDigest  wire.Digest
	Mode        uint32
	Size        int64
	Uploadable  bool
	Transient   bool // unlinked within the same process (and not recreated since): no post-state; not uploadable if it was also written
	LinkPath    string
	Depth       int
	PID         int
}

// Collector is the per-process path-access table. It is safe for
// concurrent use by a multi-threaded audited process (spec §5: "the
// auditor's per-process state is either thread-local or protected by a
// per-process mutex").
type Collector struct {
	mtx         sync.Mutex
	records     map[string]*Record
	cwd         string
	projectRoot string
	exclude     *regexp.Regexp
	uploadReads bool
	depth       int
	pid         int
}

type Config struct {
	Cwd           string
	ProjectRoot   string // paths outside this boundary are ignored, per spec §4.1
	ExcludeRegexp string
	UploadReads   bool // upload content even on read-only access
	Depth         int
	PID           int
}

func NewCollector(cfg Config) (*Collector, error) {
	var re *regexp.Regexp
	if cfg.ExcludeRegexp != "" {
		var err error
		if re, err = regexp.Compile(cfg.ExcludeRegexp); err != nil {
			return nil, err
		}
	}
	return &Collector{
		records:     make(map[string]*Record),
		cwd:         cfg.Cwd,
		projectRoot: cfg.ProjectRoot,
		exclude:     re,
		uploadReads: cfg.UploadReads,
		depth:       cfg.Depth,
		pid:         cfg.PID,
	}, nil
}

// ignored reports whether path should never become a Record: it matches
// the exclusion regex, or falls outside the configured project root
// boundary (spec §4.1).
func (c *Collector) ignored(abs string) bool {
	if c.exclude != nil && c.exclude.MatchString(abs) {
		return true
	}
	if c.projectRoot != "" {
		if _, _, err := wire.Canonicalize(c.cwd, c.projectRoot, abs); err != nil {
			return true
		}
	}
	return false
}

// RecordAccess is the single entry point the interposition shim's sink
// calls into (spec §9's "record access(path, op, moment, pre-result)"
// contract). now is the moment of the access. On the first access to a
// path the collector stats and digests the file itself to capture its
// pre-state.
func (c *Collector) RecordAccess(path string, op Op, now wire.Moment) error {
	abs, rel, _ := wire.Canonicalize(c.cwd, c.projectRoot, path)
	if c.ignored(abs) {
		return nil
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()

	rec, ok := c.records[abs]
	if !ok {
		rec = &Record{
			AbsPath:     abs,
			RelPath:     rel,
			FirstAccess: now,
			Depth:       c.depth,
			PID:         c.pid,
		}
		if d, fi, err := wire.DigestFile(abs); err == nil {
			rec.PreDigest = d
			rec.PreExisted = true
			rec.Mode = uint32(fi.Mode().Perm())
			rec.Size = fi.Size()
		}
		c.records[abs] = rec
	}
	rec.Ops |= op
	rec.LastAccess = now
	if op&OpWrite != 0 || (c.uploadReads && op&OpRead != 0) {
		rec.Uploadable = true
	}
	if op&OpUnlink != 0 && rec.Ops&OpWrite != 0 {
		rec.Transient = true
		rec.Uploadable = false
	} else if op&OpUnlink != 0 {
		rec.Transient = true
	} else if rec.Transient && (op&(OpWrite|OpCreate) != 0) {
		// recreated after a prior unlink within this process; no longer transient
		rec.Transient = false
	}
	return nil
}

// RecordRename models a rename as two PAs sharing a link attribute, per
// spec §4.1: the source gets an unlink op, the destination a create op,
// and each carries the other's path so the monitor can reconstruct the
// relation (spec §9's open question on rename-plus-modify prefers this
// explicit linkage).
func (c *Collector) RecordRename(from, to string, now wire.Moment) error {
	if err := c.RecordAccess(from, OpRenameFrom|OpUnlink, now); err != nil {
		return err
	}
	if err := c.RecordAccess(to, OpRenameTo|OpCreate, now); err != nil {
		return err
	}
	absFrom, _, _ := wire.Canonicalize(c.cwd, c.projectRoot, from)
	absTo, _, _ := wire.Canonicalize(c.cwd, c.projectRoot, to)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if r, ok := c.records[absFrom]; ok {
		r.LinkPath = absTo
	}
	if r, ok := c.records[absTo]; ok {
		r.LinkPath = absFrom
	}
	return nil
}

// Finalize walks the collector's path table computing post-state (mode,
// size, digest) for each record, as the collector does at process exit
// (spec §4.1). It returns a stable-ordered snapshot; the Collector itself
// is left untouched so tests can call Finalize more than once.
func (c *Collector) Finalize() []*Record {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	out := make([]*Record, 0, len(c.records))
	for _, rec := range c.records {
		cp := *rec
		if !cp.Transient {
			if d, fi, err := wire.DigestFile(cp.AbsPath); err == nil {
				cp.PostDigest = d
				cp.Mode = uint32(fi.Mode().Perm())
				cp.Size = fi.Size()
			} else if os.IsNotExist(err) {
				// path no longer exists at exit; post-state stays absent
			}
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbsPath < out[j].AbsPath })
	return out
}

func (c *Collector) Get(abs string) (*Record, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.records[abs]
	return r, ok
}
