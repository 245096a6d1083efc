//go:build !windows
// +build !windows

/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package launch

import (
	"os"
	"os/exec"
	"syscall"
)

// preloadEnvVar is the dynamic linker variable every POSIX libc honors
// to load a shared object before a program's own main runs (spec §6:
// "implement via LD_PRELOAD-style preload of the auditor shared
// object"). The actual shared object's constructor/interposition shims
// are out of this package's scope (spec §1, §9).
const preloadEnvVar = "LD_PRELOAD"

// Spawn starts the audited command with the auditor shim preloaded into
// its address space (spec §6's POSIX half of the launch contract). The
// child inherits opts.Env verbatim; callers are responsible for
// including the AO_V1_* namespace (spec §9) and the monitor's listen
// address in it.
func Spawn(opts Options) (*Child, error) {
	env := append(append([]string{}, opts.Env...), preloadEnvVar+"="+opts.SharedLib)

	cmd := exec.Command(opts.Program, opts.Argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = env
	cmd.Stdin = fileOrDefault(opts.Stdin, os.Stdin)
	cmd.Stdout = fileOrDefault(opts.Stdout, os.Stdout)
	cmd.Stderr = fileOrDefault(opts.Stderr, os.Stderr)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Child{Pid: cmd.Process.Pid, proc: cmd.Process}, nil
}

func fileOrDefault(f, def *os.File) *os.File {
	if f != nil {
		return f
	}
	return def
}

// exitCodeOf maps a POSIX wait status to the audited command's exit
// code, translating signal termination and core dumps to 2 (spec
// §4.8's "maps signal/coredump exits to exit code 2").
func exitCodeOf(state *os.ProcessState) int {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		if state.Success() {
			return 0
		}
		return 1
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 2
	default:
		return 2
	}
}
