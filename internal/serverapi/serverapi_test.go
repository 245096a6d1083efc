package serverapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	c, err := New(Opts{Server: u.Host})
	require.NoError(t, err)
	return c
}

func TestSessionStartParsesHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session", r.URL.Path)
		w.Header().Set("X-Ao-Session", "sess-123")
		w.Header().Set("X-Ao-Heartbeat-Seconds", "60")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.SessionStart(SessionMeta{Project: "widget", Login: "u", Host: "h", OS: "linux", Start: "now"})
	require.NoError(t, err)
	require.Equal(t, "sess-123", res.SessionID)
	require.Equal(t, 60e9, float64(res.HeartbeatPeriod))
}

func TestSessionEndRequiresStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	err := c.SessionEnd(0, 1)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestUploadRecordIsAlwaysGzipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.Header.Get(HeaderGzipped))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	require.NoError(t, c.UploadRecord([]byte("<S a,0,1,0,/bin/cc,/w,cc,2026-01-01T00:00:00Z>")))
}

func TestUploadFileSkipsGzipBelowThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get(HeaderGzipped))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	require.NoError(t, c.UploadFile([]byte("tiny"), "pathstate", true, 512, false))
}

func TestDownloadReturnsContentAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "pstate", r.Header.Get(HeaderPathState))
		w.Header().Set(HeaderMode, "644")
		w.Header().Set(HeaderMtime, "1700000000")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	res, err := c.Download("pstate")
	require.NoError(t, err)
	defer res.Content.Close()
	body, err := io.ReadAll(res.Content)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))
	require.EqualValues(t, 0644, res.Mode)
	require.EqualValues(t, 1700000000, res.MtimeUnix)
}

func TestActionPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/action/label"))
		w.Write([]byte("ack"))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	body, err := c.Action("label", []byte("x=1"))
	require.NoError(t, err)
	require.Equal(t, "ack", string(body))
}
