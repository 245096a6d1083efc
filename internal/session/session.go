/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package session implements the Session / Heartbeat component (spec
// §4.7, C9): pinging at half the server's session timeout and closing
// the session with the overall exit status and recycled count. The
// top-level driver opens the session before it spawns the audited
// command, not on the first SOA, and closes it after the command has
// been reaped, not on the top-level EOA.
package session

import (
	"sync/atomic"
	"time"

	"github.com/audited-objects/ao/internal/log"
	"github.com/audited-objects/ao/internal/serverapi"
	"github.com/google/uuid"
)

// Session brackets one top-level invocation, identified by a PTX name
// made of a sortable UTC timestamp and a uuid (spec's domain-stack note: "session ids (PTX identifiers),
// generated once per top-level invocation").
type Session struct {
	PTX       string
	api       *serverapi.Client
	log       *log.Logger
	heartbeat time.Duration
	lastBeat  atomic.Int64 // unix nanos
	recycled  atomic.Int64
}

// Open starts a server session for project, returning a Session that
// owns the heartbeat interval reported by the server (spec §4.7: "The
// server's session timeout (or a documented default) sets a heartbeat
// interval of half that value").
func Open(api *serverapi.Client, project, login, host, osName string, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.NewDiscardLogger()
	}
	// Fixed-width UTC timestamp prefix: PTX names sort by creation time.
	ptx := time.Now().UTC().Format("20060102T150405.000000000Z") + "-" + uuid.New().String()
	res, err := api.SessionStart(serverapi.SessionMeta{
		Project: project,
		Login:   login,
		Host:    host,
		OS:      osName,
		Start:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	if err := api.PTXStart(ptx, project); err != nil {
		return nil, err
	}
	s := &Session{
		PTX:       ptx,
		api:       api,
		log:       logger,
		heartbeat: res.HeartbeatPeriod / 2,
	}
	s.lastBeat.Store(time.Now().UnixNano())
	return s, nil
}

// IncRecycled records one more recycled CA for the session-end
// recycled-count header (spec §4.7).
func (s *Session) IncRecycled() {
	s.recycled.Add(1)
}

func (s *Session) RecycledCount() int {
	return int(s.recycled.Load())
}

// MaybeHeartbeat checks whether the heartbeat interval has elapsed
// since the last ping and, if so, emits one (spec §4.7: "Every tick of
// the main loop checks whether the interval has elapsed since the last
// heartbeat"). It is meant to be called from the monitor's event loop,
// not on its own ticker, matching the single-threaded cooperative
// scheduling model of spec §4.3/§5.
func (s *Session) MaybeHeartbeat(now time.Time) {
	if s.heartbeat <= 0 {
		return
	}
	last := time.Unix(0, s.lastBeat.Load())
	if now.Sub(last) < s.heartbeat {
		return
	}
	if err := s.api.Ping(); err != nil {
		s.log.Warn("heartbeat ping failed", log.KVErr(err))
	}
	s.lastBeat.Store(now.UnixNano())
}

// Close ends the PTX and posts the session terminator with the overall
// exit status and recycled count (spec §4.7).
func (s *Session) Close(exitCode int) error {
	if err := s.api.PTXEnd(s.PTX, exitCode); err != nil {
		s.log.Warn("PTX end failed", log.KVErr(err), log.KV("ptx", s.PTX))
	}
	return s.api.SessionEnd(exitCode, s.RecycledCount())
}
