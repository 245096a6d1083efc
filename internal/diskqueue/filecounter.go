/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskqueue

import "os"

// fileCounter tracks bytes written minus bytes read, so Queue.Size can
// report the cache's outstanding footprint without a stat() call on
// every enqueue (spec-free housekeeping, grounded on
// chancacher.fileCounter).
type fileCounter struct {
	*os.File
	count int
}

func newFileCounter(f *os.File) (*fileCounter, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &fileCounter{File: f, count: int(fi.Size())}, nil
}

func (f *fileCounter) Write(b []byte) (int, error) {
	n, err := f.File.Write(b)
	f.count += n
	return n, err
}

func (f *fileCounter) Read(b []byte) (int, error) {
	n, err := f.File.Read(b)
	f.count -= n
	return n, err
}

func (f *fileCounter) Count() int { return f.count }
