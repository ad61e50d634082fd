package mux

import (
	"errors"
	"net/http"
)

type ResponseWriter interface {
	http.ResponseWriter
	http.Flusher
	WriteError(statusCode int, err error)
	SetHandler(handler string)
	Error() error
	Status() int
	Size() int64
	// HeadersWritten reports whether the status line has been sent.
	HeadersWritten() bool
}

var _ ResponseWriter = &response{}

type response struct {
	http.ResponseWriter
	error         error
	handler       string
	status        int
	size          int64
	writtenHeader bool
}

func (r *response) WriteHeader(statusCode int) {
	if r.writtenHeader {
		return
	}
	r.writtenHeader = true
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) Write(b []byte) (int, error) {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *response) Flush() {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	flusher, ok := r.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	flusher.Flush()
}

func (r *response) WriteError(statusCode int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(statusCode))
	}
	r.error = err
	if r.writtenHeader {
		return
	}
	r.Header().Set("Content-Type", "text/plain; charset=utf-8")
	r.Header().Set("X-Content-Type-Options", "nosniff")
	r.WriteHeader(statusCode)
	_, _ = r.Write([]byte(err.Error() + "\n"))
}

func (r *response) SetHandler(handler string) {
	r.handler = handler
}

func (r *response) Error() error {
	return r.error
}

func (r *response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *response) Size() int64 {
	return r.size
}

func (r *response) HeadersWritten() bool {
	return r.writtenHeader
}

// Unwrap allows http.ResponseController to reach the underlying writer.
func (r *response) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
