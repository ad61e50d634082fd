package mux

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestServeMux(t *testing.T) {
	t.Parallel()

	m := NewServeMux(logr.Discard())
	var seen ResponseWriter
	m.Handle("GET /ok/{path...}", func(rw ResponseWriter, req *http.Request) {
		rw.SetHandler("ok")
		seen = rw
		rw.Header().Set("Content-Type", "text/plain")
		_, err := rw.Write([]byte(req.PathValue("path")))
		require.NoError(t, err)
	})
	m.Handle("GET /fail", func(rw ResponseWriter, req *http.Request) {
		rw.SetHandler("fail")
		seen = rw
		rw.WriteError(http.StatusBadGateway, errors.New("upstream broke"))
	})

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok/a/b", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a/b", rec.Body.String())
	require.Equal(t, http.StatusOK, seen.Status())
	require.Equal(t, int64(3), seen.Size())
	require.NoError(t, seen.Error())
	require.True(t, seen.HeadersWritten())

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "upstream broke\n", rec.Body.String())
	require.EqualError(t, seen.Error(), "upstream broke")
	require.Equal(t, http.StatusBadGateway, seen.Status())

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fail", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteErrorAfterHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &response{ResponseWriter: rec}
	rw.WriteHeader(http.StatusCreated)
	rw.WriteError(http.StatusInternalServerError, errors.New("late"))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, http.StatusCreated, rw.Status())
	require.EqualError(t, rw.Error(), "late")
	require.Empty(t, rec.Body.String())
}

func TestFlush(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &response{ResponseWriter: rec}
	rw.Flush()
	require.True(t, rec.Flushed)
	require.Equal(t, http.StatusOK, rw.Status())
}
