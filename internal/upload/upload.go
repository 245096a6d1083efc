/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package upload implements the asynchronous upload pipeline (spec
// §4.6, C7): a bounded pool of HTTP clients pushing audit-record
// bodies and file contents, with the in-flight cap enforced by
// golang.org/x/sync/semaphore and overflow spilled to disk via
// internal/diskqueue when the in-memory queue in front of the cap is
// full. A failed upload is counted (FailedCount) and logged; it is not
// retried or re-queued.
package upload

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/audited-objects/ao/internal/diskqueue"
	"github.com/audited-objects/ao/internal/log"
	"github.com/audited-objects/ao/internal/serverapi"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Policy is the pipeline's gzip and rate-limit configuration (spec
// §4.6 gzip policy, plus the bandwidth limiter from the domain-stack
// expansion).
type Policy struct {
	GzipEnabled    bool
	GzipThreshold  int // bytes; never gzip below this (spec default ~512)
	InFlightCap    int64
	RateLimitBps   int64 // 0 disables the limiter
}

func DefaultPolicy() Policy {
	return Policy{
		GzipEnabled:   true,
		GzipThreshold: 512,
		InFlightCap:   50,
	}
}

// Pipeline owns the semaphore gating in-flight uploads and the overflow
// queue that keeps the monitor's event loop from blocking when the cap
// is saturated (spec §4.6: "when the cap is reached the loop pumps
// until the in-flight count halves").
type Pipeline struct {
	api     *serverapi.Client
	policy  Policy
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	overflow *diskqueue.Queue
	log     *log.Logger

	failed atomic.Int64
}

// New builds a Pipeline. overflowDir may be empty to disable disk
// spill entirely (small builds that never saturate the in-flight cap).
func New(api *serverapi.Client, policy Policy, overflowDir string, logger *log.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = log.NewDiscardLogger()
	}
	if policy.InFlightCap <= 0 {
		policy.InFlightCap = DefaultPolicy().InFlightCap
	}
	var limiter *rate.Limiter
	if policy.RateLimitBps > 0 {
		limiter = rate.NewLimiter(rate.Limit(policy.RateLimitBps), int(policy.RateLimitBps))
	}
	oq, err := diskqueue.Open(int(policy.InFlightCap), overflowDir, 0)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		api:      api,
		policy:   policy,
		sem:      semaphore.NewWeighted(policy.InFlightCap),
		limiter:  limiter,
		overflow: oq,
		log:      logger,
	}
	go p.drain()
	return p, nil
}

// drain pulls overflow items out of the disk-backed queue and issues
// them, respecting the same in-flight cap as direct submissions.
func (p *Pipeline) drain() {
	for item := range p.overflow.Out {
		item := item
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		go func() {
			defer p.sem.Release(1)
			p.send(item)
		}()
	}
}

func (p *Pipeline) send(item diskqueue.Item) {
	if p.limiter != nil {
		if err := p.limiter.WaitN(context.Background(), len(item.Payload)); err != nil {
			p.log.Warn("rate limiter wait failed", log.KVErr(err))
		}
	}
	var err error
	switch item.Kind {
	case "record":
		err = p.api.UploadRecord(item.Payload)
	case "file":
		err = p.api.UploadFile(item.Payload, item.Key, p.policy.GzipEnabled, p.policy.GzipThreshold, false)
	case "log":
		err = p.api.UploadFile(item.Payload, item.Key, p.policy.GzipEnabled, p.policy.GzipThreshold, true)
	default:
		err = fmt.Errorf("upload: unknown item kind %q", item.Kind)
	}
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("upload failed", log.KVErr(err), log.KV("kind", item.Kind), log.KV("key", item.Key))
	}
}

// SubmitRecord enqueues an audit-record body. It never blocks the
// caller beyond handing the item to the overflow queue's unbuffered In
// channel, consistent with spec §5's "upload is asynchronous and never
// blocks except when the in-flight cap is reached".
func (p *Pipeline) SubmitRecord(csvBody []byte) {
	p.overflow.In <- diskqueue.Item{Kind: "record", Payload: csvBody}
}

// SubmitFile enqueues a file content upload, keyed by its PA descriptor
// string for logging and dedup upstream.
func (p *Pipeline) SubmitFile(pathState string, content []byte) {
	p.overflow.In <- diskqueue.Item{Kind: "file", Key: pathState, Payload: content}
}

// SubmitLog enqueues an optional transcript log upload (spec §4.7).
func (p *Pipeline) SubmitLog(name string, content []byte) {
	p.overflow.In <- diskqueue.Item{Kind: "log", Key: name, Payload: content}
}

// InFlight reports the current in-memory backlog size of the overflow
// queue.
func (p *Pipeline) InFlight() int {
	return p.overflow.BufferSize()
}

// FailedCount returns how many submissions have failed so far.
func (p *Pipeline) FailedCount() int { return int(p.failed.Load()) }

// Close stops accepting new submissions and waits for the overflow
// queue to fully drain.
func (p *Pipeline) Close() {
	close(p.overflow.In)
}
