package access

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/audited-objects/ao/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T, root string) *Collector {
	t.Helper()
	c, err := NewCollector(Config{
		Cwd:         root,
		ProjectRoot: root,
		Depth:       0,
		PID:         os.Getpid(),
	})
	require.NoError(t, err)
	return c
}

func TestRecordAccessAccumulatesOps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.o")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	c := newTestCollector(t, dir)
	require.NoError(t, c.RecordAccess(path, OpRead, wire.Now()))
	require.NoError(t, c.RecordAccess(path, OpWrite, wire.Now()))

	rec, ok := c.Get(path)
	require.True(t, ok)
	require.Equal(t, OpRead|OpWrite, rec.Ops)
	require.True(t, rec.Uploadable)
	require.True(t, rec.PreExisted)
}

func TestRecordAccessOutsideRootIgnored(t *testing.T) {
	dir := t.TempDir()
	c := newTestCollector(t, dir)
	require.NoError(t, c.RecordAccess("/etc/passwd", OpRead, wire.Now()))

	_, ok := c.Get("/etc/passwd")
	require.False(t, ok)
}

func TestFinalizeComputesPostDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gen.c")

	c := newTestCollector(t, dir)
	require.NoError(t, c.RecordAccess(path, OpCreate, wire.Now()))
	require.NoError(t, os.WriteFile(path, []byte("generated"), 0644))
	require.NoError(t, c.RecordAccess(path, OpWrite, wire.Now()))

	recs := c.Finalize()
	require.Len(t, recs, 1)
	require.False(t, recs[0].PostDigest.Empty())
	require.Equal(t, int64(len("generated")), recs[0].Size)
}

func TestTransientWriteThenUnlinkIsNotUploadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tmp.lock")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	c := newTestCollector(t, dir)
	require.NoError(t, c.RecordAccess(path, OpWrite, wire.Now()))
	require.NoError(t, os.Remove(path))
	require.NoError(t, c.RecordAccess(path, OpUnlink, wire.Now()))

	rec, ok := c.Get(path)
	require.True(t, ok)
	require.True(t, rec.Transient)
	require.False(t, rec.Uploadable)
}

func TestRecordRenameLinksBothSides(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "a.tmp")
	to := filepath.Join(dir, "a.out")
	require.NoError(t, os.WriteFile(from, []byte("x"), 0644))

	c := newTestCollector(t, dir)
	require.NoError(t, c.RecordRename(from, to, wire.Now()))

	f, ok := c.Get(from)
	require.True(t, ok)
	require.Equal(t, to, f.LinkPath)

	tt, ok := c.Get(to)
	require.True(t, ok)
	require.Equal(t, from, tt.LinkPath)
}

func TestOpStringAndParseOpsRoundTrip(t *testing.T) {
	o := OpRead | OpWrite | OpCreate
	s := o.String()
	got := ParseOps(s)
	require.Equal(t, o, got)
}
