package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"

	"wakeproxy/pkg/forward"
	"wakeproxy/pkg/mux"
	"wakeproxy/pkg/provision"
	"wakeproxy/pkg/resolver"
)

var methods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// Provisioner returns a healthy instance for an artifact reference.
type Provisioner interface {
	Ensure(ctx context.Context, ref string) (provision.Instance, error)
}

type ProxyConfig struct {
	Log      logr.Logger
	BasePath string
}

func (cfg *ProxyConfig) Apply(opts ...ProxyOption) error {
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

type ProxyOption func(cfg *ProxyConfig) error

func WithLogger(log logr.Logger) ProxyOption {
	return func(cfg *ProxyConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithBasePath mounts the proxy under a path prefix.
func WithBasePath(basePath string) ProxyOption {
	return func(cfg *ProxyConfig) error {
		basePath = strings.Trim(basePath, "/")
		if strings.ContainsAny(basePath, "{}") {
			return fmt.Errorf("invalid base path %q", basePath)
		}
		cfg.BasePath = basePath
		return nil
	}
}

type Proxy struct {
	resolver    resolver.Resolver
	provisioner Provisioner
	forwarder   *forward.Forwarder
	handler     http.Handler
	log         logr.Logger
}

func NewProxy(res resolver.Resolver, provisioner Provisioner, forwarder *forward.Forwarder, opts ...ProxyOption) (*Proxy, error) {
	cfg := ProxyConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		resolver:    res,
		provisioner: provisioner,
		forwarder:   forwarder,
		log:         cfg.Log,
	}
	m := mux.NewServeMux(cfg.Log)
	route := "/{path...}"
	if cfg.BasePath != "" {
		route = "/" + cfg.BasePath + route
	}
	for _, method := range methods {
		m.Handle(method+" "+route, p.proxyHandler)
	}
	p.handler = m
	return p, nil
}

func (p *Proxy) Handler() http.Handler {
	return p.handler
}

func (p *Proxy) Server(addr string) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: p.handler,
	}
}

func (p *Proxy) proxyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("proxy")
	path := req.PathValue("path")
	log := p.log.WithValues("path", path, "method", req.Method)
	log.V(4).Info("entered proxyHandler")

	res, err := p.resolver.Resolve(req.Context(), path)
	if err != nil {
		rw.WriteError(statusFor(err), fmt.Errorf("could not resolve an image for path %q: %w", path, err))
		return
	}
	log = log.WithValues("ref", res.Reference)

	inst, err := p.provisioner.Ensure(req.Context(), res.Reference)
	if err != nil {
		rw.SetHandler("provision")
		rw.WriteError(statusFor(err), fmt.Errorf("could not provision service for %s: %w", res.Reference, err))
		return
	}

	log.V(4).Info("forwarding request", "instance", inst.Name, "residual", res.Residual, "cold", inst.Cold)
	err = p.forwarder.Forward(rw, req, forward.Target{
		Addr:      inst.Addr,
		Path:      res.Residual,
		Reference: res.Reference,
	})
	if err != nil {
		if rw.HeadersWritten() {
			log.Error(err, "response interrupted after headers were sent")
			return
		}
		rw.WriteError(http.StatusBadGateway, fmt.Errorf("error communicating with the service: %w", err))
		return
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, resolver.ErrNoMatch), errors.Is(err, provision.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, provision.ErrHealthTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
