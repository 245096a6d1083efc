/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package monitor implements the Monitor Socket Server (spec §4.3, C4)
// and the event loop that ties the Recorder (C5), Roadmap/Recycler
// (C6), Upload Pipeline (C7), Download Pipeline (C8), and Session (C9)
// together. Per spec §4.3/§5 the monitor is single-threaded cooperative:
// in Go that becomes one goroutine (Run's event loop) owning all
// Recorder/Roadmap state exclusively, fed by a channel that every
// accepted connection's reader goroutine writes into — the Go-native
// equivalent of the original's single `select(2)` loop (spec §5's note
// that this maps cleanly onto channels without a second scheduler).
package monitor

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/audited-objects/ao/internal/action"
	"github.com/audited-objects/ao/internal/download"
	"github.com/audited-objects/ao/internal/log"
	"github.com/audited-objects/ao/internal/recorder"
	"github.com/audited-objects/ao/internal/roadmap"
	"github.com/audited-objects/ao/internal/session"
	"github.com/audited-objects/ao/internal/upload"
	"github.com/audited-objects/ao/internal/wire"
)

const (
	defaultVerboseCap = 500
	pollInterval       = 100 * time.Millisecond
)

// Config controls the monitor's recycling policy; the aggregation
// regexes themselves live on the Recorder it is constructed with.
type Config struct {
	RecycleEnabled   bool
	StrictDownload   bool // spec §6's "download-required": a MUSTRUN decision is a strict-mode violation
	StrictUpload     bool // spec §6's "upload-required": a failed upload is a strict-mode violation
	VerboseCap       int64
}

// eventKind tags what a connection's reader goroutine observed on the
// wire (spec §6's line prefixes).
type eventKind int

const (
	evSOA eventKind = iota
	evPA
	evEOA
	evVerbose
	evCatastrophic
)

type event struct {
	kind eventKind
	line string
	ack  chan<- string // only populated for evSOA
}

// Monitor owns the listener sockets, the in-flight Recorder, and the
// recycling/upload/download/session collaborators (spec §4.3's "Monitor
// Socket Server... dispatches to Recorder").
type Monitor struct {
	cfg  Config
	rec  *recorder.Recorder
	rm   *roadmap.Roadmap // nil disables recycling entirely
	up   *upload.Pipeline // nil disables uploads (download-only mode)
	dl   *download.Pipeline
	sess *session.Session
	log  *log.Logger

	listeners []net.Listener
	events    chan event

	activeConns      atomic.Int64
	verboseCount     atomic.Int64
	failed           atomic.Bool
	strictViolation  atomic.Bool
	exitCode         atomic.Int32
	lastCatastrophic atomic.Value // string
}

// New constructs a Monitor. rm, up, and dl may be nil to model
// download-only / upload-only / execute-only modes (spec §6's CLI
// surface, elaborated in SPEC_FULL.md's supplemented-features list).
func New(cfg Config, rec *recorder.Recorder, rm *roadmap.Roadmap, up *upload.Pipeline, dl *download.Pipeline, sess *session.Session, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.NewDiscardLogger()
	}
	if cfg.VerboseCap <= 0 {
		cfg.VerboseCap = defaultVerboseCap
	}
	return &Monitor{
		cfg:    cfg,
		rec:    rec,
		rm:     rm,
		up:     up,
		dl:     dl,
		sess:   sess,
		log:    logger,
		events: make(chan event, 64),
	}
}

// Listen opens one listener per port (spec §2's "multiple ports exist
// purely to distribute kernel accept contention on large builds"); a
// zero port lets the kernel pick an ephemeral one, useful for tests and
// for the common case of a single build.
func (m *Monitor) Listen(ports []int) error {
	if len(ports) == 0 {
		ports = []int{0}
	}
	for _, p := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			m.closeListeners()
			return err
		}
		m.listeners = append(m.listeners, ln)
	}
	for _, ln := range m.listeners {
		go m.acceptLoop(ln)
	}
	return nil
}

func (m *Monitor) closeListeners() {
	for _, ln := range m.listeners {
		ln.Close()
	}
}

// Addrs returns the dialable address of each listener, in the order
// Listen opened them. The first is conventionally what callers export
// as AO_V1_MONITOR_ADDR.
func (m *Monitor) Addrs() []string {
	out := make([]string, len(m.listeners))
	for i, ln := range m.listeners {
		out[i] = ln.Addr().String()
	}
	return out
}

func (m *Monitor) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go m.handleConn(conn)
	}
}

// handleConn is one auditor connection's reader: it demultiplexes
// complete lines (spec §4.3: "reads line-by-line... dispatches to the
// Recorder") and, for SOA lines only, blocks this goroutine (not the
// central loop) until the event loop produces an ACK to write back
// (spec §4.2: the auditor "blocks reading one ACK line").
func (m *Monitor) handleConn(conn net.Conn) {
	m.activeConns.Add(1)
	defer func() {
		conn.Close()
		m.activeConns.Add(-1)
	}()

	rd := bufio.NewReaderSize(conn, 4096)
	for {
		line, err := rd.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			m.dispatch(conn, line)
		}
		if err != nil {
			return
		}
	}
}

func (m *Monitor) dispatch(conn net.Conn, line string) {
	switch {
	case strings.HasPrefix(line, wire.PrefixSOA), strings.HasPrefix(line, wire.PrefixSOASuppressed):
		ackCh := make(chan string, 1)
		m.events <- event{kind: evSOA, line: line, ack: ackCh}
		ack := <-ackCh
		fmt.Fprintf(conn, "%s\n", ack)
	case strings.HasPrefix(line, wire.PrefixEOA):
		m.events <- event{kind: evEOA, line: line}
	case strings.HasPrefix(line, wire.PrefixVerbose):
		m.events <- event{kind: evVerbose, line: line}
	case strings.HasPrefix(line, wire.PrefixComment):
		// ignored, spec §6
	case strings.HasPrefix(line, wire.PrefixCatastrophic):
		m.events <- event{kind: evCatastrophic, line: line}
	default:
		m.events <- event{kind: evPA, line: line}
	}
}

// Run drives the event loop until childDone fires and every accepted
// connection has gone quiet (spec §5: "the monitor drains remaining
// ready sockets before publishing what it can and exiting"). It returns
// the exit code the top-level driver should propagate: 2 if a
// catastrophic line or resource failure occurred, else 3 if a strict-mode
// violation occurred, otherwise 0 (spec §7).
func (m *Monitor) Run(childDone <-chan struct{}) int {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	draining := false
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-childDone:
			draining = true
			childDone = nil // don't re-select a closed/fired channel forever
		case <-ticker.C:
			if m.sess != nil {
				m.sess.MaybeHeartbeat(time.Now())
			}
		}

		if m.failed.Load() {
			break
		}
		if draining && m.activeConns.Load() == 0 && len(m.events) == 0 {
			break
		}
	}
	m.closeListeners()
	if m.up != nil && m.up.FailedCount() > 0 && m.cfg.StrictUpload {
		m.strictViolation.Store(true)
	}
	if code := m.exitCode.Load(); code != 0 {
		return int(code) // catastrophic/resource failure always wins, spec §7
	}
	if m.strictViolation.Load() {
		return 3 // strict-mode violation, spec §7
	}
	return 0
}

func (m *Monitor) handle(ev event) {
	switch ev.kind {
	case evSOA:
		m.handleSOA(ev)
	case evPA:
		pa, err := wire.DecodePA(ev.line)
		if err != nil {
			m.log.Warn("skew: malformed PA line", log.KVErr(err))
			return
		}
		m.rec.AttachPA(pa)
	case evEOA:
		eoa, err := wire.DecodeEOA(ev.line)
		if err != nil {
			m.log.Warn("skew: malformed EOA line", log.KVErr(err))
			return
		}
		cas := m.rec.HandleEOA(eoa)
		if len(cas) == 0 {
			return
		}
		if cas[0].Role == action.RoleLeaderStrong {
			// Strong groups publish as one CA (spec §8): absorb every
			// member's paths into the leader instead of publishing
			// each separately.
			m.publishStrongGroup(cas[0], cas[1:])
			return
		}
		for _, ca := range cas {
			m.publish(ca)
		}
	case evVerbose:
		// spec's supplemented verbose-accounting feature: cap how many
		// passthrough lines get relayed per session so a runaway
		// auditor can't flood the operator's terminal.
		if m.verboseCount.Add(1) <= m.cfg.VerboseCap {
			fmt.Fprintln(os.Stderr, strings.TrimPrefix(ev.line, wire.PrefixVerbose))
		}
	case evCatastrophic:
		msg := strings.TrimPrefix(ev.line, wire.PrefixCatastrophic)
		m.lastCatastrophic.Store(msg)
		m.log.Error("catastrophic auditor line, exiting", log.KV("msg", msg))
		m.failed.Store(true)
		m.exitCode.Store(2)
	}
}

// LastCatastrophicLine returns the last `!`-prefixed line seen, if any,
// so the top-level driver can quote it in its exit summary (spec's
// supplemented catastrophic-accounting feature).
func (m *Monitor) LastCatastrophicLine() string {
	if v, ok := m.lastCatastrophic.Load().(string); ok {
		return v
	}
	return ""
}

func (m *Monitor) handleSOA(ev event) {
	soa, suppressed, err := wire.DecodeSOA(ev.line)
	if err != nil {
		m.log.Warn("skew: malformed SOA line", log.KVErr(err))
		ev.ack <- wire.AckFailure
		return
	}

	res := m.rec.HandleSOA(soa)
	if len(res.Terminated) > 0 {
		if res.Terminated[0].Role == action.RoleLeaderStrong {
			m.publishStrongGroup(res.Terminated[0], res.Terminated[1:])
		} else {
			for _, ca := range res.Terminated {
				m.publish(ca)
			}
		}
	}
	if res.ShopOff {
		ev.ack <- wire.AckAgg
		return
	}
	if suppressed || !m.cfg.RecycleEnabled || m.rm == nil || m.dl == nil {
		ev.ack <- wire.AckOK
		return
	}
	ev.ack <- m.recycle(res.CA)
}

// recycle implements the Roadmap/Recycler's SOA-time decision (spec
// §4.5): compute the provisional command signature, look up candidates,
// and on a match materialize its outputs before excusing the process.
func (m *Monitor) recycle(ca *action.CA) string {
	programDigest := digestFile(ca.Program)
	signature := ca.CommandSignature(programDigest)

	empty, err := m.rm.Empty()
	if err != nil {
		m.log.Warn("roadmap empty-check failed", log.KVErr(err))
		return wire.AckOK
	}
	if empty {
		// MUSTRUN, spec §4.5
		if m.cfg.StrictDownload {
			m.strictViolation.Store(true)
			return wire.AckFailure
		}
		return wire.AckOK
	}

	entry, decision, err := m.rm.Match(signature, statDigest)
	if err != nil {
		m.log.Warn("roadmap match failed", log.KVErr(err))
		return wire.AckOK
	}
	if decision == roadmap.MustRun {
		if m.cfg.StrictDownload {
			m.strictViolation.Store(true)
			return wire.AckFailure
		}
		return wire.AckOK
	}

	if _, err := m.dl.Materialize(entry); err != nil {
		m.log.Warn("recycle download failed, falling back to run", log.KVErr(err))
		if m.cfg.StrictDownload {
			m.strictViolation.Store(true)
			return wire.AckFailure
		}
		return wire.AckOK
	}

	ca.Recycle(string(entry.Pathcode))
	m.rec.Recycle(ca.Key())
	if m.sess != nil {
		m.sess.IncRecycled()
	}
	return string(entry.Pathcode)
}

// publish extends the roadmap with a freshly-closed CA's contribution
// and hands its audit record and uploadable outputs to the upload
// pipeline (spec §4.6/§4.7). A recycled CA was never executed and
// contributes nothing new.
func (m *Monitor) publish(ca *action.CA) {
	if ca.State == action.StateRecycled {
		return
	}

	programDigest := digestFile(ca.Program)
	entry := roadmap.BuildEntry(ca, ptxName(m.sess), programDigest)
	if err := ca.Publish(entry.Pathcode); err != nil {
		m.log.Warn("publish failed", log.KVErr(err))
		return
	}

	if m.rm != nil {
		signature := ca.CommandSignature(programDigest)
		if err := m.rm.Put(signature, entry); err != nil {
			m.log.Warn("roadmap put failed", log.KVErr(err))
		}
	}

	if m.up == nil {
		return
	}
	if line, err := ca.SOA().Encode(false); err == nil {
		m.up.SubmitRecord([]byte(line))
	}
	for _, rec := range ca.Paths() {
		if !rec.Uploadable || rec.PostDigest.Empty() {
			continue
		}
		content, err := os.ReadFile(rec.AbsPath)
		if err != nil {
			m.log.Warn("read output for upload failed", log.KVErr(err), log.KV("path", rec.AbsPath))
			continue
		}
		pathState, err := wire.EncodeRecord([]string{rec.AbsPath, rec.RelPath, string(rec.PostDigest)})
		if err != nil {
			continue
		}
		m.up.SubmitFile(pathState, content)
	}
}

// publishStrongGroup absorbs every member's path table into the leader's
// before publishing, so a strong group produces exactly one roadmap
// entry and one upload set (spec §8: "Strong groups: no member is
// published separately"; scenario 3's `make` example collapses three
// compiler CAs into one published CA containing them as members).
// Members are still stamped Published with the leader's pathcode so
// their lifecycle ends cleanly, but contribute nothing of their own to
// the roadmap or upload pipeline.
func (m *Monitor) publishStrongGroup(leader *action.CA, members []*action.CA) {
	if leader.State == action.StateRecycled {
		return
	}
	for _, mem := range members {
		for _, rec := range mem.Paths() {
			leader.AddPath(rec)
		}
	}
	m.publish(leader)
	for _, mem := range members {
		if mem.State == action.StateClosed {
			_ = mem.Publish(leader.Pathcode)
		}
	}
}

func ptxName(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.PTX
}

func digestFile(path string) wire.Digest {
	d, _, err := wire.DigestFile(path)
	if err != nil {
		return ""
	}
	return d
}

func statDigest(path string) (wire.Digest, bool) {
	d, _, err := wire.DigestFile(path)
	if err != nil {
		return "", false
	}
	return d, true
}
