package monitor

import (
	"os"
	"testing"
	"time"

	"github.com/audited-objects/ao/internal/auditor"
	"github.com/audited-objects/ao/internal/config"
	"github.com/audited-objects/ao/internal/recorder"
	"github.com/audited-objects/ao/internal/wire"
	"github.com/stretchr/testify/require"
)

// TestEndToEndSingleCommandNoRoadmap exercises spec §8 scenario 1: wrap a
// single command with no roadmap configured (recycling disabled), and
// confirm the CA is fully closed and removed from in-flight state.
func TestEndToEndSingleCommandNoRoadmap(t *testing.T) {
	rec := recorder.New(recorder.Regexes{}, nil)
	m := New(Config{}, rec, nil, nil, nil, nil, nil)
	require.NoError(t, m.Listen([]int{0}))
	addr := m.Addrs()[0]

	childDone := make(chan struct{})
	runDone := make(chan int, 1)
	go func() { runDone <- m.Run(childDone) }()

	os.Setenv(config.EnvMonitorAddr, addr)
	defer os.Unsetenv(config.EnvMonitorAddr)
	defer os.Unsetenv(config.EnvParentCode)
	defer os.Unsetenv(config.EnvDepth)

	a, verdict, err := auditor.Open(auditor.Identity{
		Program: "/bin/sh",
		Argv:    []string{"sh", "-c", "echo hi > out.txt"},
		Cwd:     t.TempDir(),
		PID:     999,
	}, false)
	require.NoError(t, err)
	require.Equal(t, auditor.VerdictRun, verdict)
	require.NoError(t, a.Finish(0))
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		return rec.InFlightCount() == 0
	}, time.Second, 5*time.Millisecond)

	close(childDone)
	code := <-runDone
	require.Equal(t, 0, code)
}

// TestCatastrophicLineExitsNonZero exercises spec §6's `!`-prefixed
// catastrophic line and the supplemented last-message accounting.
func TestCatastrophicLineExitsNonZero(t *testing.T) {
	rec := recorder.New(recorder.Regexes{}, nil)
	m := New(Config{}, rec, nil, nil, nil, nil, nil)
	require.NoError(t, m.Listen([]int{0}))
	addr := m.Addrs()[0]

	childDone := make(chan struct{})
	runDone := make(chan int, 1)
	go func() { runDone <- m.Run(childDone) }()

	os.Setenv(config.EnvMonitorAddr, addr)
	defer os.Unsetenv(config.EnvMonitorAddr)

	a, verdict, err := auditor.Open(auditor.Identity{Program: "/bin/false", Cwd: t.TempDir(), PID: 42}, false)
	require.NoError(t, err)
	require.Equal(t, auditor.VerdictRun, verdict)
	require.NoError(t, a.Catastrophic("exec() failed: permission denied"))
	require.NoError(t, a.Close())

	code := <-runDone
	require.Equal(t, 2, code)
	require.Contains(t, m.LastCatastrophicLine(), "permission denied")
}

// TestPAWithNoMatchingCAIsSkewNotFatal exercises spec §8 scenario 6.
func TestPAWithNoMatchingCAIsSkewNotFatal(t *testing.T) {
	rec := recorder.New(recorder.Regexes{}, nil)
	m := New(Config{}, rec, nil, nil, nil, nil, nil)
	require.NoError(t, m.Listen([]int{0}))
	defer m.closeListeners()

	pa := wire.PARecord{
		OpTag:       'r',
		Depth:       1,
		CmdID:       99,
		PCCode:      "bogus",
		Ops:         "read",
		AbsPath:     "/tmp/x",
		RelPath:     "x",
		Mode:        0644,
		FirstAccess: wire.Now(),
		LastAccess:  wire.Now(),
	}
	line, err := pa.Encode()
	require.NoError(t, err)

	require.NotPanics(t, func() {
		m.handle(event{kind: evPA, line: line})
	})
}
