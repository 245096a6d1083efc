/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package auditor implements the Auditor Transport (spec §4.2, C3): the
// per-process socket client injected into every descendant of the
// wrapped command. It builds the process's Command-Action, opens a
// connection back to the monitor, emits the SOA/PA/EOA line protocol,
// and blocks on the SOA ACK exactly as spec §4.2 describes. The actual
// injection mechanism (LD_PRELOAD / DLL injection) that gets this
// package loaded into the audited process is out of this package's
// scope (spec §1, §6's platform launch contract); callers here are
// assumed to already be running inside the target process image.
package auditor

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/audited-objects/ao/internal/access"
	"github.com/audited-objects/ao/internal/action"
	"github.com/audited-objects/ao/internal/config"
	"github.com/audited-objects/ao/internal/wire"
)

// Verdict is what the monitor's SOA ACK tells this process to do next
// (spec §4.2's four-way ACK alphabet).
type Verdict int

const (
	VerdictRun Verdict = iota
	VerdictRunAggregated
	VerdictFailure
	VerdictRecycled
)

var (
	ErrNoMonitorAddr = errors.New("auditor: AO_V1_MONITOR_ADDR not set")
	ErrAlreadyOpened = errors.New("auditor: SOA already sent for this process")
)

// Auditor is the single per-process value holding this process's audit
// state (spec §9's design note: "make the auditor's per-process state a
// single value stored behind one initialization primitive"). Every
// exported method is safe to call from multiple threads of the audited
// program; the transport serializes writes on one mutex (spec §5: "the
// socket write of SOA/PA/EOA is atomic per line; multi-threaded
// processes serialize transport calls on one mutex").
type Auditor struct {
	mtx  sync.Mutex
	conn net.Conn
	rd   *bufio.Reader

	ca        *action.CA
	collector *access.Collector

	soaSent bool
	eoaSent bool

	// RecycledID is populated when the monitor's ACK excuses this process
	// from running (spec §4.2's "opaque identifier of a recycled-from CA").
	RecycledID string
}

// Identity is what the caller (the interposer's init path) must supply:
// everything derivable without talking to the monitor.
type Identity struct {
	Program string
	Argv    []string
	Cwd     string
	PID     int
	PCmdID  int // parent OS pid, for the fork-then-exec predecessor probe
}

// Open constructs the process's CA, connects to the monitor named by
// AO_V1_MONITOR_ADDR, sends the SOA line, and blocks reading the ACK
// (spec §4.2). suppress requests the lower-case `<s ...>` form that asks
// the monitor not to attempt recycling for this command.
func Open(id Identity, suppress bool) (*Auditor, Verdict, error) {
	ident := config.ReadProcessIdentity()
	depth := ident.Depth

	addr := os.Getenv(config.EnvMonitorAddr)
	if addr == "" {
		return nil, VerdictFailure, ErrNoMonitorAddr
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, VerdictFailure, err
	}

	ca := action.New(ident.ParentCode, depth, id.PID, id.PCmdID, id.Program, id.Cwd, id.Argv, wire.Now())

	collector, err := access.NewCollector(access.Config{
		Cwd:           id.Cwd,
		ProjectRoot:   os.Getenv(config.EnvProjectRoot),
		ExcludeRegexp: os.Getenv(config.EnvExcludeRegexp),
		Depth:         depth,
		PID:           id.PID,
	})
	if err != nil {
		conn.Close()
		return nil, VerdictFailure, err
	}

	a := &Auditor{
		conn:      conn,
		rd:        bufio.NewReader(conn),
		ca:        ca,
		collector: collector,
	}

	verdict, err := a.sendSOA(suppress)
	if err != nil {
		conn.Close()
		return nil, VerdictFailure, err
	}
	return a, verdict, nil
}

// Collector exposes the process's path-access table so the interposer's
// syscall shims can feed it (spec §9's single sink call contract).
func (a *Auditor) Collector() *access.Collector { return a.collector }

func (a *Auditor) writeLine(line string) error {
	_, err := fmt.Fprintf(a.conn, "%s\n", line)
	return err
}

func (a *Auditor) sendSOA(suppress bool) (Verdict, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.soaSent {
		return VerdictFailure, ErrAlreadyOpened
	}

	line, err := a.ca.SOA().Encode(suppress)
	if err != nil {
		return VerdictFailure, err
	}
	if err := a.writeLine(line); err != nil {
		return VerdictFailure, err
	}
	a.soaSent = true

	ack, err := a.rd.ReadString('\n')
	if err != nil {
		return VerdictFailure, err
	}
	ack = trimNewline(ack)

	switch ack {
	case wire.AckOK:
		// Export this process's own content-code and depth+1 so any
		// exec'd children inherit correct identity (spec §4.2).
		exportChildEnv(childContentCode(a.ca), a.ca.Depth+1)
		return VerdictRun, nil
	case wire.AckAgg:
		exportChildEnv(childContentCode(a.ca), a.ca.Depth+1)
		return VerdictRunAggregated, nil
	case wire.AckFailure:
		return VerdictFailure, nil
	default:
		a.RecycledID = ack
		a.ca.Recycle(ack)
		return VerdictRecycled, nil
	}
}

// childContentCode derives the value this process exports as
// AO_V1_PCCODE for its children: the pathcode of the running command is
// not yet known (reads are still being collected), so the provisional
// command signature stands in, matching the recycler's own provisional
// lookup at SOA time (spec §4.5).
func childContentCode(ca *action.CA) string {
	return string(ca.CommandSignature(""))
}

func exportChildEnv(code string, depth int) {
	for _, kv := range config.ChildEnv(code, depth) {
		if i := indexByte(kv, '='); i >= 0 {
			os.Setenv(kv[:i], kv[i+1:])
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Finish flushes every collected PA as a sequence of wire lines, then
// sends the EOA with the audited process's own exit code (spec §4.2:
// "at exit send all PAs then <E [rc]...csv...>"). It is a no-op if this
// process was excused by a recycled verdict: a recycled-from process
// never sends PAs or an EOA (spec §4.2).
func (a *Auditor) Finish(exitCode int) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.eoaSent || a.RecycledID != "" {
		return nil
	}

	for _, rec := range a.collector.Finalize() {
		pa := wire.PARecord{
			OpTag:       opTag(rec),
			Depth:       a.ca.Depth,
			CmdID:       a.ca.CmdID,
			PCCode:      a.ca.PCCode,
			Ops:         rec.Ops.String(),
			AbsPath:     rec.AbsPath,
			RelPath:     rec.RelPath,
			Mode:        rec.Mode,
			Size:        rec.Size,
			PreDigest:   rec.PreDigest,
			PostDigest:  rec.PostDigest,
			FirstAccess: rec.FirstAccess,
			LastAccess:  rec.LastAccess,
			LinkPath:    rec.LinkPath,
		}
		line, err := pa.Encode()
		if err != nil {
			return err
		}
		if err := a.writeLine(line); err != nil {
			return err
		}
	}

	eoa := wire.EOARecord{SOARecord: a.ca.SOA(), ExitCode: exitCode}
	eoa.Start = wire.Now()
	line, err := eoa.Encode()
	if err != nil {
		return err
	}
	if err := a.writeLine(line); err != nil {
		return err
	}
	a.eoaSent = true
	return a.ca.Close(eoa.Start, exitCode)
}

// opTag picks the wire op-tag byte for a finalized record: 'w' if any
// write-family op was observed, 'r' for read-only/stat-only access
// (spec §6's "PA: a single CSV line beginning with an alphabetic op-tag
// byte").
func opTag(rec *access.Record) byte {
	if rec.Ops&(access.OpWrite|access.OpCreate|access.OpUnlink|access.OpRenameFrom|access.OpRenameTo) != 0 {
		return 'w'
	}
	return 'r'
}

// Verbose sends a `+`-prefixed passthrough line (spec §6); the monitor
// echoes it to its own stderr without treating it as protocol.
func (a *Auditor) Verbose(msg string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.writeLine(wire.PrefixVerbose + msg)
}

// Catastrophic sends a `!`-prefixed line: the audited command could not
// run at all (spec §6). The monitor exits on receipt.
func (a *Auditor) Catastrophic(msg string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.writeLine(wire.PrefixCatastrophic + msg)
}

func (a *Auditor) Close() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.conn.Close()
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
