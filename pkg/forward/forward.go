package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"wakeproxy/pkg/ledger"
	"wakeproxy/pkg/metrics"
	"wakeproxy/pkg/mux"
)

// Error is a network failure while talking to an instance.
type Error struct {
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("could not forward request to %s: %v", e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Target is where a request is forwarded to.
type Target struct {
	// Addr is host:port of the instance.
	Addr string
	// Path is the residual path without a leading slash.
	Path string
	// Reference is recorded in the ledger after a successful forward.
	Reference string
}

type ForwarderConfig struct {
	Log            logr.Logger
	Ledger         *ledger.Ledger
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func (cfg *ForwarderConfig) Apply(opts ...ForwarderOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ForwarderOption func(cfg *ForwarderConfig) error

func WithLogger(log logr.Logger) ForwarderOption {
	return func(cfg *ForwarderConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithLedger(ldgr *ledger.Ledger) ForwarderOption {
	return func(cfg *ForwarderConfig) error {
		cfg.Ledger = ldgr
		return nil
	}
}

// WithTimeouts sets the connect timeout and the read timeout. The read
// timeout bounds the wait for response headers and for every body chunk.
func WithTimeouts(connect, read time.Duration) ForwarderOption {
	return func(cfg *ForwarderConfig) error {
		if connect <= 0 || read <= 0 {
			return errors.New("forward timeouts must be positive")
		}
		if connect > read {
			return fmt.Errorf("connect timeout %s cannot exceed read timeout %s", connect, read)
		}
		cfg.ConnectTimeout = connect
		cfg.ReadTimeout = read
		return nil
	}
}

type Forwarder struct {
	client      *http.Client
	bufferPool  *sync.Pool
	ledger      *ledger.Ledger
	log         logr.Logger
	readTimeout time.Duration
}

func NewForwarder(opts ...ForwarderOption) (*Forwarder, error) {
	cfg := ForwarderConfig{
		Log:            logr.Discard(),
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("default transport is not of type http.Transport")
	}
	transport = transport.Clone()
	transport.Proxy = nil
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = cfg.ReadTimeout
	// Bodies are relayed as encoded by the instance.
	transport.DisableCompression = true

	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		bufferPool: &sync.Pool{
			New: func() any {
				buf := make([]byte, 32*1024)
				return &buf
			},
		},
		ledger:      cfg.Ledger,
		log:         cfg.Log,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Forward streams the request to the target and the response back. A
// returned *Error with rw.HeadersWritten false means nothing was sent to the
// caller yet.
func (f *Forwarder) Forward(rw mux.ResponseWriter, req *http.Request, target Target) error {
	log := f.log.WithValues("addr", target.Addr, "path", target.Path)
	log.V(4).Info("entered Forward")

	u := &url.URL{
		Scheme:   "http",
		Host:     target.Addr,
		Path:     "/" + target.Path,
		RawQuery: req.URL.RawQuery,
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	idle := time.AfterFunc(f.readTimeout, cancel)
	idle.Stop()
	defer idle.Stop()

	var body io.Reader = http.NoBody
	if req.Body != nil && req.ContentLength != 0 {
		body = req.Body
	}
	forwardReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return fmt.Errorf("could not create forward request: %w", err)
	}
	forwardReq.ContentLength = req.ContentLength
	copyHeader(forwardReq.Header, req.Header)
	forwardReq.Header.Del("Host")

	forwardResp, err := f.client.Do(forwardReq)
	if err != nil {
		log.V(4).Info("forward request failed", "url", u.String(), "error", err)
		metrics.ForwardedRequestsTotal.WithLabelValues("error").Inc()
		return &Error{Addr: target.Addr, Err: err}
	}
	defer forwardResp.Body.Close()
	metrics.ForwardedRequestsTotal.WithLabelValues(statusClass(forwardResp.StatusCode)).Inc()

	copyHeader(rw.Header(), forwardResp.Header)
	rw.WriteHeader(forwardResp.StatusCode)

	buf := f.bufferPool.Get().(*[]byte)
	defer f.bufferPool.Put(buf)

	log.V(4).Info("copying response body", "status", forwardResp.Status)
	_, err = io.CopyBuffer(flushWriter{rw}, idleReader{r: forwardResp.Body, timer: idle, timeout: f.readTimeout}, *buf)
	if err != nil {
		return &Error{Addr: target.Addr, Err: fmt.Errorf("response body interrupted: %w", err)}
	}
	if f.ledger != nil && target.Reference != "" {
		f.ledger.Touch(target.Reference)
	}
	log.V(4).Info("completed Forward successfully", "status", forwardResp.Status)
	return nil
}

// idleReader arms the timer before every read so a stalled body cancels the request.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (i idleReader) Read(p []byte) (int, error) {
	i.timer.Reset(i.timeout)
	n, err := i.r.Read(p)
	i.timer.Stop()
	return n, err
}

type flushWriter struct {
	rw mux.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.rw.Write(p)
	if err != nil {
		return n, err
	}
	f.rw.Flush()
	return n, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
