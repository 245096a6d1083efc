/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package diskqueue is the upload pipeline's overflow buffer (spec
// §4.6's bounded in-flight pool), adapted from chancacher.ChanCacher: a
// pipeline of channels with an internal buffer that spills to disk
// (gob-encoded, double-buffered) when the buffer fills, so a full upload
// queue does not block the sender. Without a cache path the queue is
// memory-only and a send blocks once the buffer is full. Where the teacher's ChanCacher moved opaque
// interface{} values, this queue moves Item (an upload-or-publish job)
// since the monitor always knows what it is enqueuing.
package diskqueue

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MaxDepth bounds the in-memory buffer so a runaway build can't exhaust
// memory; chosen to match chancacher.MaxDepth.
const MaxDepth = 1000000

// Item is one unit of overflow work: either an audit-record/file-content
// upload, or a CA ready to be handed to the recycler for publication.
// Kind distinguishes the two so the drain side can dispatch correctly.
type Item struct {
	Kind    string // "record", "file", or caller-defined
	Key     string // e.g. pathcode or PA descriptor, for logging
	Payload []byte
}

// Queue is the disk-backed overflow channel pair. Callers send to In
// and receive from Out; Out is only closed once In is closed and any
// cached backlog has drained.
type Queue struct {
	In  chan Item
	Out chan Item

	runDone bool
	maxSize int

	cachePath     string
	cache         bool
	cacheR        *fileCounter
	cacheW        *fileCounter
	cacheEnc      *gob.Encoder
	cacheModified bool
	cacheLock     sync.Mutex
	cacheReading  bool
	cachePaused   chan struct{}
	cacheDone     chan struct{}
	cacheAck      chan struct{}
	cacheIsDone   bool
}

// Open constructs a Queue with a bounded in-memory depth and, if
// cachePath is non-empty, a disk-backed overflow under that directory
// (two files, cache_a/cache_b, matching the teacher's naming).
func Open(maxDepth int, cachePath string, maxSize int) (*Queue, error) {
	if maxDepth <= 0 || maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}
	q := &Queue{
		In:          make(chan Item),
		Out:         make(chan Item, maxDepth),
		cachePath:   cachePath,
		cache:       cachePath != "",
		cachePaused: make(chan struct{}),
		cacheDone:   make(chan struct{}),
		cacheAck:    make(chan struct{}),
		maxSize:     maxSize,
	}
	close(q.cachePaused)

	if q.cache {
		if err := os.MkdirAll(q.cachePath, 0755); err != nil {
			return nil, err
		}
		a := filepath.Join(q.cachePath, "cache_a")
		b := filepath.Join(q.cachePath, "cache_b")

		if err := mergeIfNeeded(a, b); err != nil {
			return nil, err
		}

		r, err := os.OpenFile(a, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		w, err := os.OpenFile(b, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		q.cacheR, err = newFileCounter(r)
		if err != nil {
			return nil, err
		}
		q.cacheW, err = newFileCounter(w)
		if err != nil {
			return nil, err
		}
		q.cacheEnc = gob.NewEncoder(q.cacheW)

		if fi, err := q.cacheW.Stat(); err == nil && fi.Size() != 0 {
			q.cacheModified = true
		}
		go q.cacheHandler()
	}
	go q.run()
	return q, nil
}

func (q *Queue) run() {
	for v := range q.In {
		select {
		case q.Out <- v:
		default:
			if !q.cache {
				q.Out <- v
				continue
			}
			select {
			case q.Out <- v:
			case <-q.cachePaused:
				q.cacheValue(v)
			}
		}
	}
	q.runDone = true

	if q.cache {
		for q.CacheHasData() {
			time.Sleep(50 * time.Millisecond)
		}
		q.finishCache()
		<-q.cacheAck
	}
	close(q.Out)
}

func (q *Queue) cacheHandler() {
	q.cacheReading = true
	for {
		dec := gob.NewDecoder(q.cacheR)
		var err error
		for {
			var v Item
			if err = dec.Decode(&v); err != nil {
				break
			}
			q.Out <- v
		}
		_ = err // io.EOF expected at end of segment

		q.cacheReading = false

		select {
		case <-q.cacheDone:
			close(q.cacheAck)
			return
		default:
		}

		q.cacheR.Seek(0, 0)
		q.cacheR.Truncate(0)

		for !q.cacheModified {
			select {
			case <-q.cacheDone:
				close(q.cacheAck)
				return
			case <-time.After(time.Second):
			}
		}

		q.cacheLock.Lock()
		q.cacheR, q.cacheW = q.cacheW, q.cacheR
		q.cacheR.Seek(0, 0)
		q.cacheEnc = gob.NewEncoder(q.cacheW)
		q.cacheModified = false
		q.cacheReading = true
		q.cacheLock.Unlock()
	}
}

func (q *Queue) cacheValue(v Item) {
	for q.maxSize != 0 && q.Size() >= q.maxSize {
		time.Sleep(50 * time.Millisecond)
	}
	q.cacheLock.Lock()
	defer q.cacheLock.Unlock()
	if err := q.cacheEnc.Encode(&v); err == nil {
		q.cacheModified = true
	}
}

// CacheHasData reports whether the disk cache still holds undrained
// items.
func (q *Queue) CacheHasData() bool {
	return q.cacheModified || q.cacheReading
}

// BufferSize is the number of items presently in the in-memory buffer.
func (q *Queue) BufferSize() int { return len(q.Out) }

// Pause stops new items from spilling to disk (used once the server
// connection recovers and the monitor prefers the in-memory fast path).
func (q *Queue) Pause() {
	if !q.cache {
		return
	}
	q.cacheLock.Lock()
	defer q.cacheLock.Unlock()
	select {
	case <-q.cachePaused:
		q.cachePaused = make(chan struct{})
	default:
	}
}

// Resume re-enables disk spill (the server is unreachable again, or the
// in-flight cap is saturated).
func (q *Queue) Resume() {
	if !q.cache {
		return
	}
	q.cacheLock.Lock()
	defer q.cacheLock.Unlock()
	select {
	case <-q.cachePaused:
	default:
		close(q.cachePaused)
	}
}

// Size returns the number of bytes currently committed to disk.
func (q *Queue) Size() int {
	if !q.cache {
		return 0
	}
	return q.cacheR.Count() + q.cacheW.Count()
}

func (q *Queue) finishCache() {
	q.cacheLock.Lock()
	defer q.cacheLock.Unlock()
	if !q.cacheIsDone {
		close(q.cacheDone)
		q.cacheIsDone = true
	}
}

func mergeIfNeeded(a, b string) error {
	var sizeA, sizeB int64
	if fi, err := os.Stat(a); err == nil {
		sizeA = fi.Size()
	}
	if fi, err := os.Stat(b); err == nil {
		sizeB = fi.Size()
	}
	if sizeB != 0 && sizeA == 0 {
		return os.Rename(b, a)
	}
	if sizeB != 0 && sizeA != 0 {
		return merge(a, b)
	}
	return nil
}

func merge(a, b string) error {
	fa, err := os.Open(a)
	if err != nil {
		return err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return err
	}
	defer fb.Close()

	t, err := os.CreateTemp(filepath.Dir(a), "merge")
	if err != nil {
		return err
	}
	defer os.Remove(t.Name())
	defer t.Close()

	enc := gob.NewEncoder(t)
	for _, f := range []*os.File{fa, fb} {
		dec := gob.NewDecoder(f)
		for {
			var v Item
			if err := dec.Decode(&v); err != nil {
				if err != io.EOF {
					return fmt.Errorf("diskqueue: merge decode: %w", err)
				}
				break
			}
			if err := enc.Encode(&v); err != nil {
				return err
			}
		}
	}
	fa.Close()
	fb.Close()
	os.Remove(a)
	os.Remove(b)
	t.Close()
	return os.Rename(t.Name(), a)
}
