package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMomentRoundTrip(t *testing.T) {
	m := Now()
	s := m.String()
	got, err := ParseMoment(s)
	require.NoError(t, err)
	require.Equal(t, s, got.String())
}

func TestDigestSortedStable(t *testing.T) {
	a := DigestSorted("x", "y", "z")
	b := DigestSorted("x", "y", "z")
	require.Equal(t, a, b)

	c := DigestSorted("x", "z", "y")
	require.NotEqual(t, a, c, "order matters, caller is responsible for sorting")
}

func TestCanonicalizeBoundary(t *testing.T) {
	abs, rel, err := Canonicalize("/work/proj/sub", "/work/proj", "../../etc/passwd")
	require.ErrorIs(t, err, ErrOutsideProjectRoot)
	require.Equal(t, "/etc/passwd", abs)
	_ = rel

	abs, rel, err = Canonicalize("/work/proj/sub", "/work/proj", "out.o")
	require.NoError(t, err)
	require.Equal(t, "/work/proj/sub/out.o", abs)
	require.Equal(t, "sub/out.o", rel)
}

func TestSOARoundTrip(t *testing.T) {
	soa := SOARecord{
		PCCode:  "abc123",
		Depth:   2,
		CmdID:   4242,
		PCmdID:  100,
		Program: "/usr/bin/cc",
		Cwd:     "/work/proj",
		Argv:    []string{"cc", "-c", "foo.c"},
		Start:   Now(),
	}
	line, err := soa.Encode(false)
	require.NoError(t, err)
	require.Contains(t, line, PrefixSOA)

	got, suppressed, err := DecodeSOA(line)
	require.NoError(t, err)
	require.False(t, suppressed)
	require.Equal(t, soa.PCCode, got.PCCode)
	require.Equal(t, soa.Depth, got.Depth)
	require.Equal(t, soa.CmdID, got.CmdID)
	require.Equal(t, soa.Program, got.Program)
	require.Equal(t, soa.Argv, got.Argv)

	suppLine, err := soa.Encode(true)
	require.NoError(t, err)
	_, suppressed, err = DecodeSOA(suppLine)
	require.NoError(t, err)
	require.True(t, suppressed)
}

func TestPARoundTrip(t *testing.T) {
	pa := PARecord{
		OpTag:       'p',
		Depth:       1,
		CmdID:       77,
		PCCode:      "deadbeef",
		Ops:         "read,stat",
		AbsPath:     "/work/proj/foo.c",
		RelPath:     "foo.c",
		Mode:        0644,
		Size:        128,
		PreDigest:   "aa",
		PostDigest:  "",
		FirstAccess: Now(),
		LastAccess:  Now(),
	}
	line, err := pa.Encode()
	require.NoError(t, err)
	require.Equal(t, byte('p'), line[0])

	got, err := DecodePA(line)
	require.NoError(t, err)
	require.Equal(t, pa.AbsPath, got.AbsPath)
	require.Equal(t, pa.Mode, got.Mode)
	require.Equal(t, pa.Size, got.Size)
	require.Equal(t, pa.PreDigest, got.PreDigest)
}

func TestEOARoundTrip(t *testing.T) {
	eoa := EOARecord{
		SOARecord: SOARecord{
			PCCode:  "abc123",
			Depth:   2,
			CmdID:   4242,
			PCmdID:  100,
			Program: "/usr/bin/cc",
			Cwd:     "/work/proj",
			Argv:    []string{"cc", "-c", "foo.c"},
			Start:   Now(),
		},
		ExitCode: 0,
	}
	line, err := eoa.Encode()
	require.NoError(t, err)
	require.True(t, len(line) > len(PrefixEOA))

	got, err := DecodeEOA(line)
	require.NoError(t, err)
	require.Equal(t, eoa.ExitCode, got.ExitCode)
	require.Equal(t, eoa.CmdID, got.CmdID)
	require.Equal(t, eoa.Program, got.Program)
}
