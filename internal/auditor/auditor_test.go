package auditor

import (
	"bufio"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/audited-objects/ao/internal/config"
	"github.com/audited-objects/ao/internal/wire"
	"github.com/stretchr/testify/require"
)

func fakeMonitor(t *testing.T, ack string) (addr string, recvSOA chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	recvSOA = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		rd := bufio.NewReader(conn)
		line, _ := rd.ReadString('\n')
		recvSOA <- strings.TrimRight(line, "\n")
		conn.Write([]byte(ack + "\n"))
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), recvSOA
}

func TestOpenRunVerdict(t *testing.T) {
	addr, recvSOA := fakeMonitor(t, wire.AckOK)
	os.Setenv(config.EnvMonitorAddr, addr)
	defer os.Unsetenv(config.EnvMonitorAddr)
	defer os.Unsetenv(config.EnvParentCode)
	defer os.Unsetenv(config.EnvDepth)

	a, verdict, err := Open(Identity{Program: "/usr/bin/cc", Argv: []string{"cc", "-c", "a.c"}, Cwd: "/work", PID: 123}, false)
	require.NoError(t, err)
	require.Equal(t, VerdictRun, verdict)
	require.Empty(t, a.RecycledID)

	soa := <-recvSOA
	require.True(t, strings.HasPrefix(soa, wire.PrefixSOA))

	require.NotEmpty(t, os.Getenv(config.EnvParentCode))
	require.Equal(t, "1", os.Getenv(config.EnvDepth))
}

func TestOpenRecycledVerdict(t *testing.T) {
	addr, _ := fakeMonitor(t, "candidate-abc123")
	os.Setenv(config.EnvMonitorAddr, addr)
	defer os.Unsetenv(config.EnvMonitorAddr)

	a, verdict, err := Open(Identity{Program: "/usr/bin/cc", Argv: []string{"cc", "-c", "a.c"}, Cwd: "/work", PID: 124}, false)
	require.NoError(t, err)
	require.Equal(t, VerdictRecycled, verdict)
	require.Equal(t, "candidate-abc123", a.RecycledID)

	// A recycled process must never send PAs or an EOA.
	require.NoError(t, a.Finish(0))
}

func TestOpenFailureVerdict(t *testing.T) {
	addr, _ := fakeMonitor(t, wire.AckFailure)
	os.Setenv(config.EnvMonitorAddr, addr)
	defer os.Unsetenv(config.EnvMonitorAddr)

	_, verdict, err := Open(Identity{Program: "/usr/bin/cc", Argv: []string{"cc"}, Cwd: "/work", PID: 125}, false)
	require.NoError(t, err)
	require.Equal(t, VerdictFailure, verdict)
}

func TestOpenWithoutMonitorAddrFails(t *testing.T) {
	os.Unsetenv(config.EnvMonitorAddr)
	_, _, err := Open(Identity{Program: "/bin/sh", Cwd: "/work", PID: 1}, false)
	require.ErrorIs(t, err, ErrNoMonitorAddr)
}
