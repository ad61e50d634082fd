package forward

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"wakeproxy/pkg/ledger"
	"wakeproxy/pkg/mux"
)

type result struct {
	err            error
	headersWritten bool
}

func serve(t *testing.T, f *Forwarder, target Target, req *http.Request) (*httptest.ResponseRecorder, result) {
	t.Helper()

	var res result
	m := mux.NewServeMux(logr.Discard())
	m.Handle("/", func(rw mux.ResponseWriter, req *http.Request) {
		res.err = f.Forward(rw, req, target)
		res.headersWritten = rw.HeadersWritten()
	})
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	return rec, res
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestForward(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		cookie, err := r.Cookie("session")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Path", r.URL.Path)
		w.Header().Set("X-Query", r.URL.RawQuery)
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
		w.Header().Set("X-Cookie", cookie.Value)
		w.WriteHeader(http.StatusCreated)
		//nolint: errcheck // Ignore error.
		w.Write(b)
	}))
	t.Cleanup(srv.Close)

	ldgr := ledger.New(nil)
	f, err := NewForwarder(WithLedger(ldgr))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "http://proxy.example.com/preview/v1/api/items?limit=5&sort=asc", strings.NewReader(`{"name":"a"}`))
	req.Header.Set("X-Custom", "value")
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	rec, res := serve(t, f, Target{Addr: hostOf(t, srv), Path: "api/items", Reference: "acme/app:v1"}, req)
	require.NoError(t, res.err)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "/api/items", rec.Header().Get("X-Path"))
	require.Equal(t, "limit=5&sort=asc", rec.Header().Get("X-Query"))
	require.Equal(t, hostOf(t, srv), rec.Header().Get("X-Host"))
	require.Equal(t, "value", rec.Header().Get("X-Custom"))
	require.Equal(t, "abc", rec.Header().Get("X-Cookie"))
	require.JSONEq(t, `{"name":"a"}`, rec.Body.String())
	_, ok := ldgr.LastAccess("acme/app:v1")
	require.True(t, ok)
}

func TestForwardRelaysRedirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	f, err := NewForwarder()
	require.NoError(t, err)
	rec, res := serve(t, f, Target{Addr: hostOf(t, srv), Path: ""}, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, res.err)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestForwardConnectionRefused(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ldgr := ledger.New(nil)
	f, err := NewForwarder(WithTimeouts(100*time.Millisecond, time.Second), WithLedger(ldgr))
	require.NoError(t, err)
	rec, res := serve(t, f, Target{Addr: addr, Reference: "acme/app:v1"}, httptest.NewRequest(http.MethodGet, "/", nil))
	fErr := &Error{}
	require.ErrorAs(t, res.err, &fErr)
	require.Equal(t, addr, fErr.Addr)
	require.False(t, res.headersWritten)
	require.Empty(t, rec.Body.String())
	require.Equal(t, 0, ldgr.Len())
}

func TestForwardIdleBody(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		//nolint: errcheck // Ignore error.
		w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f, err := NewForwarder(WithTimeouts(50*time.Millisecond, 100*time.Millisecond))
	require.NoError(t, err)
	start := time.Now()
	rec, res := serve(t, f, Target{Addr: hostOf(t, srv)}, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Error(t, res.err)
	require.True(t, res.headersWritten)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "first", rec.Body.String())
}

func TestWithTimeouts(t *testing.T) {
	t.Parallel()

	_, err := NewForwarder(WithTimeouts(0, time.Second))
	require.EqualError(t, err, "forward timeouts must be positive")
	_, err = NewForwarder(WithTimeouts(2*time.Second, time.Second))
	require.EqualError(t, err, "connect timeout 2s cannot exceed read timeout 1s")
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2xx", statusClass(http.StatusOK))
	require.Equal(t, "3xx", statusClass(http.StatusFound))
	require.Equal(t, "5xx", statusClass(http.StatusBadGateway))
}
