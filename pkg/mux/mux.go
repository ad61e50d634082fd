package mux

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HttpRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "The latency of the HTTP requests.",
	}, []string{"handler", "method", "code"})
	HttpResponseSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "The size of the HTTP responses.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"handler", "method", "code"})
	HttpRequestsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "http",
		Name:      "requests_inflight",
		Help:      "The number of inflight requests being handled at the same time.",
	}, []string{"method"})
)

func RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(HttpRequestDurHistogram)
	registerer.MustRegister(HttpResponseSizeHistogram)
	registerer.MustRegister(HttpRequestsInflight)
}

type HandlerFunc func(rw ResponseWriter, req *http.Request)

// ServeMux wraps http.ServeMux and records status, size and errors of every
// request it serves.
type ServeMux struct {
	mux *http.ServeMux
	log logr.Logger
}

func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{
		mux: http.NewServeMux(),
		log: log,
	}
}

func (s *ServeMux) Handle(pattern string, handler HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		rw, ok := w.(*response)
		if !ok {
			rw = &response{ResponseWriter: w}
		}
		handler(rw, req)
	})
}

func (s *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rw := &response{ResponseWriter: w}

	HttpRequestsInflight.WithLabelValues(req.Method).Inc()
	defer func() {
		HttpRequestsInflight.WithLabelValues(req.Method).Dec()

		handler := rw.handler
		if handler == "" {
			handler = "unknown"
		}
		code := strconv.FormatInt(int64(rw.Status()), 10)
		latency := time.Since(start)
		HttpRequestDurHistogram.WithLabelValues(handler, req.Method, code).Observe(latency.Seconds())
		HttpResponseSizeHistogram.WithLabelValues(handler, req.Method, code).Observe(float64(rw.Size()))

		kvs := []any{
			"path", req.URL.Path,
			"status", rw.Status(),
			"method", req.Method,
			"latency", latency.String(),
			"handler", handler,
		}
		if rw.Error() != nil {
			s.log.Error(rw.Error(), "", kvs...)
			return
		}
		s.log.V(4).Info("", kvs...)
	}()

	s.mux.ServeHTTP(rw, req)
}
