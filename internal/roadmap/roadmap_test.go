package roadmap

import (
	"path/filepath"
	"testing"

	"github.com/audited-objects/ao/internal/access"
	"github.com/audited-objects/ao/internal/action"
	"github.com/audited-objects/ao/internal/wire"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Roadmap {
	t.Helper()
	dir := t.TempDir()
	rm, err := Open(filepath.Join(dir, "roadmap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rm.Close() })
	return rm
}

func TestEmptyRoadmapIsEmpty(t *testing.T) {
	rm := openTest(t)
	empty, err := rm.Empty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestPutThenCandidatesRoundTrips(t *testing.T) {
	rm := openTest(t)
	sig := wire.Digest("sig-1")
	e := Entry{
		Pathcode: "code-1",
		PTX:      "ptx-2026-01-01",
		Reads:    []ReadRequirement{{AbsPath: "/work/foo.h", Digest: "hhh"}},
		Outputs:  []OutputDescriptor{{AbsPath: "/work/foo.o", RelPath: "foo.o", Digest: "ooo", Mode: 0644}},
	}
	require.NoError(t, rm.Put(sig, e))

	empty, err := rm.Empty()
	require.NoError(t, err)
	require.False(t, empty)

	cands, err := rm.Candidates(sig)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, e.Pathcode, cands[0].Pathcode)
	require.Equal(t, e.Outputs, cands[0].Outputs)
}

func TestMatchRequiresAllReadsToMatch(t *testing.T) {
	rm := openTest(t)
	sig := wire.Digest("sig-2")
	e := Entry{
		Pathcode: "code-2",
		Reads: []ReadRequirement{
			{AbsPath: "/work/a.h", Digest: "AAA"},
			{AbsPath: "/work/b.h", Digest: "BBB"},
		},
	}
	require.NoError(t, rm.Put(sig, e))

	digests := map[string]wire.Digest{"/work/a.h": "AAA", "/work/b.h": "BBB"}
	stat := func(p string) (wire.Digest, bool) { d, ok := digests[p]; return d, ok }
	_, decision, err := rm.Match(sig, stat)
	require.NoError(t, err)
	require.Equal(t, Recycled, decision)

	digests["/work/b.h"] = "CHANGED"
	_, decision, err = rm.Match(sig, stat)
	require.NoError(t, err)
	require.Equal(t, MustRun, decision)
}

func TestMatchWithNoCandidatesIsMustRun(t *testing.T) {
	rm := openTest(t)
	_, decision, err := rm.Match("no-such-sig", func(string) (wire.Digest, bool) { return "", false })
	require.NoError(t, err)
	require.Equal(t, MustRun, decision)
}

func TestBuildEntrySeparatesReadsFromOutputs(t *testing.T) {
	ca := action.New("", 0, 1, 0, "/usr/bin/cc", "/work", []string{"cc", "-c", "foo.c"}, wire.Now())
	ca.AddPath(&access.Record{AbsPath: "/work/foo.c", Ops: access.OpRead, PreDigest: "in1"})
	ca.AddPath(&access.Record{AbsPath: "/work/foo.o", Ops: access.OpWrite, Uploadable: true, PostDigest: "out1", Mode: 0644})
	require.NoError(t, ca.Close(wire.Now(), 0))

	e := BuildEntry(ca, "ptx-1", "progdigest")
	require.Len(t, e.Reads, 1)
	require.Equal(t, wire.Digest("in1"), e.Reads[0].Digest)
	require.Len(t, e.Outputs, 1)
	require.Equal(t, wire.Digest("out1"), e.Outputs[0].Digest)
}

func TestExportImportManifestRoundTrips(t *testing.T) {
	rm := openTest(t)
	sig := wire.Digest("sig-manifest")
	e := Entry{
		Pathcode: "code-manifest",
		PTX:      "ptx-2026-07-31",
		Reads:    []ReadRequirement{{AbsPath: "/work/foo.h", Digest: "hhh"}},
		Outputs:  []OutputDescriptor{{AbsPath: "/work/foo.o", RelPath: "foo.o", Digest: "ooo", Mode: 0644}},
	}
	require.NoError(t, rm.Put(sig, e))

	manifestPath := filepath.Join(t.TempDir(), "roadmap.manifest")
	require.NoError(t, rm.ExportManifest(manifestPath))

	rm2 := openTest(t)
	empty, err := rm2.Empty()
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, rm2.ImportManifest(manifestPath))
	cands, err := rm2.Candidates(sig)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, e.Pathcode, cands[0].Pathcode)
}
