//go:build windows
// +build windows

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

	"github.com/audited-objects/ao/internal/config"
)

// preloadEnvVar is read by the shim DLL's DllMain on load to learn
// which listener to dial back to; actually forcing the DLL into the
// child's address space (spec §9's open question on Windows injection)
// is not implemented here — SharedLib is carried through but unused
// until that mechanism exists.
const preloadEnvVar = config.EnvMonitorAddr

// Spawn starts the audited command on Windows. Unlike the POSIX path,
// there is no LD_PRELOAD equivalent wired up: the child runs unaudited
// except for whatever AO_V1_* environment it inherits, so any auditing
// that happens must come from the child cooperating voluntarily (e.g.
// a statically linked shim, out of scope here per spec §9).
func Spawn(opts Options) (*Child, error) {
	cmd := exec.Command(opts.Program, opts.Argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env
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

// exitCodeOf maps os.ProcessState to an exit code. Windows has no
// signal/coredump distinction in the POSIX sense, so this is a direct
// passthrough of the process exit code.
func exitCodeOf(state *os.ProcessState) int {
	return state.ExitCode()
}
