/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package launch implements the top-level driver's half of the
// platform launch contract (spec §6): "provide one primitive,
// spawn-with-preload(program, argv, cwd, env, shared-lib-path) ->
// child-handle". The core (cmd/ao) depends only on the Spawn function
// declared here; the POSIX and Windows implementations (launch_unix.go,
// launch_windows.go) are the platform-specific half spec §1 calls an
// external collaborator and explicitly places out of this system's
// scope — the interposition shims behind SharedLib are not implemented
// by this package.
package launch

import "os"

// Options describes the audited command to start.
type Options struct {
	Program string
	Argv    []string
	Cwd     string
	Env     []string

	// SharedLib is the auditor shim the child must load before running
	// its own main (spec §6's "shared-lib-path"): an LD_PRELOAD-style
	// object on POSIX, a DLL on Windows.
	SharedLib string

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Child is the handle returned by Spawn: enough to wait on the audited
// command and learn its pid for the root CA's identity (spec §4.2).
type Child struct {
	Pid int

	proc *os.Process
}

// Wait blocks until the child exits and returns its exit code, mapping
// signal/coredump termination to 2 per spec §4.8 ("maps signal/coredump
// exits to exit code 2").
func (c *Child) Wait() (int, error) {
	state, err := c.proc.Wait()
	if err != nil {
		return -1, err
	}
	return exitCodeOf(state), nil
}

// Signal forwards a termination request to the audited process (used
// when the top-level driver itself receives SIGTERM/SIGINT, spec §8
// scenario 5).
func (c *Child) Signal(sig os.Signal) error {
	return c.proc.Signal(sig)
}
