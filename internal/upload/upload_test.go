package upload

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audited-objects/ao/internal/serverapi"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T, srv *httptest.Server) *serverapi.Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	c, err := serverapi.New(serverapi.Opts{Server: u.Host})
	require.NoError(t, err)
	return c
}

func TestSubmitRecordReachesServer(t *testing.T) {
	var received int32
	var wg sync.WaitGroup
	wg.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/audit" {
			atomic.AddInt32(&received, 1)
			wg.Done()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(newAPI(t, srv), DefaultPolicy(), "", nil)
	require.NoError(t, err)
	defer p.Close()

	p.SubmitRecord([]byte("<S ...>"))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("record never reached server")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&received))
}

func TestSubmitFileFailureIsCountedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(newAPI(t, srv), DefaultPolicy(), "", nil)
	require.NoError(t, err)
	defer p.Close()

	p.SubmitFile("pstate", []byte("content"))

	require.Eventually(t, func() bool {
		return p.FailedCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}
