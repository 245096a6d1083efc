package action

import (
	"testing"

	"github.com/audited-objects/ao/internal/access"
	"github.com/audited-objects/ao/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestCloseThenPublishLifecycle(t *testing.T) {
	ca := New("root", 0, 100, 1, "/usr/bin/cc", "/work/proj", []string{"cc", "-c", "foo.c"}, wire.Now())
	require.Equal(t, StateOpen, ca.State)

	require.NoError(t, ca.Close(wire.Now(), 0))
	require.Equal(t, StateClosed, ca.State)

	code := ca.ComputePathcode("progdigest")
	require.NoError(t, ca.Publish(code))
	require.Equal(t, StatePublished, ca.State)
	require.Equal(t, code, ca.Pathcode)
}

func TestCloseTwiceFails(t *testing.T) {
	ca := New("root", 0, 100, 1, "/usr/bin/cc", "/work/proj", []string{"cc"}, wire.Now())
	require.NoError(t, ca.Close(wire.Now(), 0))
	require.Error(t, ca.Close(wire.Now(), 0))
}

func TestPublishBeforeCloseFails(t *testing.T) {
	ca := New("root", 0, 100, 1, "/usr/bin/cc", "/work/proj", []string{"cc"}, wire.Now())
	require.Error(t, ca.Publish("x"))
}

func TestPathcodeStableForEqualInputs(t *testing.T) {
	mk := func() *CA {
		ca := New("root", 0, 1, 0, "/usr/bin/cc", "/work/proj", []string{"cc", "-c", "foo.c"}, wire.Now())
		ca.AddPath(&access.Record{AbsPath: "/work/proj/foo.c", Ops: access.OpRead, PreDigest: "aaa"})
		ca.AddPath(&access.Record{AbsPath: "/work/proj/foo.h", Ops: access.OpRead, PreDigest: "bbb"})
		return ca
	}
	a := mk().ComputePathcode("progdigest")
	b := mk().ComputePathcode("progdigest")
	require.Equal(t, a, b)
}

func TestPathcodeIndependentOfPathInsertionOrder(t *testing.T) {
	ca1 := New("root", 0, 1, 0, "/usr/bin/cc", "/work/proj", []string{"cc"}, wire.Now())
	ca1.AddPath(&access.Record{AbsPath: "/a", Ops: access.OpRead, PreDigest: "1"})
	ca1.AddPath(&access.Record{AbsPath: "/b", Ops: access.OpRead, PreDigest: "2"})

	ca2 := New("root", 0, 1, 0, "/usr/bin/cc", "/work/proj", []string{"cc"}, wire.Now())
	ca2.AddPath(&access.Record{AbsPath: "/b", Ops: access.OpRead, PreDigest: "2"})
	ca2.AddPath(&access.Record{AbsPath: "/a", Ops: access.OpRead, PreDigest: "1"})

	require.Equal(t, ca1.ComputePathcode("pd"), ca2.ComputePathcode("pd"))
}

func TestCommandSignatureIgnoresReads(t *testing.T) {
	ca1 := New("root", 0, 1, 0, "/usr/bin/cc", "/work/proj", []string{"cc", "-c", "foo.c"}, wire.Now())
	ca2 := New("root", 0, 2, 0, "/usr/bin/cc", "/work/proj", []string{"cc", "-c", "foo.c"}, wire.Now())
	ca2.AddPath(&access.Record{AbsPath: "/a", Ops: access.OpRead, PreDigest: "zzz"})

	require.Equal(t, ca1.CommandSignature("pd"), ca2.CommandSignature("pd"))
}

func TestKeyString(t *testing.T) {
	ca := New("parentcode", 2, 55, 4, "/bin/ld", "/work", []string{"ld"}, wire.Now())
	require.Equal(t, "parentcode/2/55", ca.Key().String())
}
