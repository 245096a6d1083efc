/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package action implements the Command-Action builder (spec §4.2, C2):
// the in-process record of one exec'd program image, built up from the
// access collector's path records and emitted on the wire as an SOA
// followed by a stream of PA lines and a closing EOA.
package action

import (
	"fmt"
	"sort"

	"github.com/audited-objects/ao/internal/access"
	"github.com/audited-objects/ao/internal/wire"
)

// Role is a Command-Action's position within its audit-group (spec §3).
type Role int

const (
	RoleSingular Role = iota
	RoleLeaderWeak
	RoleLeaderStrong
	RoleMember
	RoleBreak
)

// CloseState tracks a CA's lifecycle (spec §3's invariant: closed only
// after EOA, published only after every member of its audit-group has
// closed, pathcode immutable after close).
type CloseState int

const (
	StateOpen CloseState = iota
	StateClosed
	StatePublished
	StateRecycled
)

// CA is one Command-Action: the auditor's in-process builder for a
// single exec'd image (spec §4.2). The process's own auditor
// constructs one CA at SOA time and feeds it PAs as the access
// collector reports them, closing it at EOA.
type CA struct {
	PCCode  string // parent CA's content-code
	Depth   int
	CmdID   int
	PCmdID  int
	Program string
	Cwd     string
	Argv    []string

	Start wire.Moment
	End   wire.Moment

	paths map[string]*access.Record

	Role         Role
	LeaderCmdID  int
	State        CloseState
	RecycledFrom string
	Pathcode     wire.Digest

	ExitCode int
	Suppress bool // true for the lower-case <s ...> SOA variant
}

// New builds the CA that will be opened with an SOA for this process
// image (spec §4.2's "builds one CA per process image").
func New(pccode string, depth, cmdID, pcmdID int, program, cwd string, argv []string, start wire.Moment) *CA {
	return &CA{
		PCCode:  pccode,
		Depth:   depth,
		CmdID:   cmdID,
		PCmdID:  pcmdID,
		Program: program,
		Cwd:     cwd,
		Argv:    argv,
		Start:   start,
		paths:   make(map[string]*access.Record),
		State:   StateOpen,
	}
}

// SOA renders the CA's wire.SOARecord, used to open the command on the
// monitor connection (spec §4.2).
func (c *CA) SOA() wire.SOARecord {
	return wire.SOARecord{
		PCCode:  c.PCCode,
		Depth:   c.Depth,
		CmdID:   c.CmdID,
		PCmdID:  c.PCmdID,
		Program: c.Program,
		Cwd:     c.Cwd,
		Argv:    c.Argv,
		Start:   c.Start,
	}
}

// AddPath folds an access.Record into the CA's path table, indexed by
// absolute path as spec §3 describes ("set of PAs indexed by path").
func (c *CA) AddPath(rec *access.Record) {
	c.paths[rec.AbsPath] = rec
}

// Paths returns the CA's path table in a stable order, used both to
// stream PA lines and to compute the pathcode.
func (c *CA) Paths() []*access.Record {
	out := make([]*access.Record, 0, len(c.paths))
	for _, r := range c.paths {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbsPath < out[j].AbsPath })
	return out
}

// Close transitions the CA to StateClosed on EOA. pathcode computation
// happens separately, at publish time, per spec §3's invariant.
func (c *CA) Close(end wire.Moment, exitCode int) error {
	if c.State != StateOpen {
		return fmt.Errorf("action: CA cmd %d already in state %d, cannot close", c.CmdID, c.State)
	}
	c.End = end
	c.ExitCode = exitCode
	c.State = StateClosed
	return nil
}

// ComputePathcode derives the recycling key from the sorted pre-state
// digests of all read PAs, argv, and program identity (spec §3, §4.5).
// It is only meaningful to call after the CA is closed; the result is
// not itself stored back onto the CA so a caller can recompute it for
// a provisional (pre-read) lookup versus the final publish-time value.
func (c *CA) ComputePathcode(programDigest wire.Digest) wire.Digest {
	reads := make([]string, 0, len(c.paths))
	for _, r := range c.Paths() {
		if r.Ops&access.OpRead != 0 && !r.PreDigest.Empty() {
			reads = append(reads, string(r.PreDigest))
		}
	}
	sort.Strings(reads)
	parts := make([]string, 0, len(reads)+2)
	parts = append(parts, wire.QuoteArgv(c.Argv), string(programDigest))
	parts = append(parts, reads...)
	return wire.DigestSorted(parts...)
}

// CommandSignature is the weaker provisional key the recycler uses at
// SOA time, before any reads are known: argv plus program identity
// (spec §4.5).
func (c *CA) CommandSignature(programDigest wire.Digest) wire.Digest {
	return wire.DigestSorted(wire.QuoteArgv(c.Argv), string(programDigest))
}

// Publish transitions a closed CA to StatePublished once every member
// of its audit-group has closed (spec §3's invariant), stamping the
// final pathcode.
func (c *CA) Publish(pathcode wire.Digest) error {
	if c.State != StateClosed {
		return fmt.Errorf("action: CA cmd %d must be closed before publish, is in state %d", c.CmdID, c.State)
	}
	c.Pathcode = pathcode
	c.State = StatePublished
	return nil
}

// Recycle marks the CA as excused from running, adopting a prior CA's
// identifier (spec §4.2: "the identifier of a recycled-from CA").
func (c *CA) Recycle(fromID string) {
	c.RecycledFrom = fromID
	c.State = StateRecycled
}

// Key is the Command-Key (CK, spec §3): the monitor-side hash key used
// to reattach PAs arriving after SOA but before EOA, and to stitch
// exec-chains.
type Key struct {
	PCCode string
	Depth  int
	CmdID  int
}

func (c *CA) Key() Key {
	return Key{PCCode: c.PCCode, Depth: c.Depth, CmdID: c.CmdID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.PCCode, k.Depth, k.CmdID)
}
