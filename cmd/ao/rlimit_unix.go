//go:build !windows
// +build !windows

/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import "golang.org/x/sys/unix"

// raiseFileDescriptorLimit raises RLIMIT_NOFILE to its hard ceiling
// before spawning the audited command: every descendant opens its own
// monitor connection plus whatever files it audits, and large builds
// can otherwise exhaust the default soft limit (spec §7's "resource
// failure: cannot allocate socket... file descriptor exhaustion" is
// fatal, so raise the ceiling up front rather than discover it midway).
func raiseFileDescriptorLimit() error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return err
	}
	if rl.Cur >= rl.Max {
		return nil
	}
	rl.Cur = rl.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rl)
}
