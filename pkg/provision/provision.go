package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"wakeproxy/pkg/ledger"
	"wakeproxy/pkg/lock"
	"wakeproxy/pkg/metrics"
	"wakeproxy/pkg/naming"
	"wakeproxy/pkg/runtime"
)

const HealthCheckUserAgent = "Docker-Proxy-Health-Check/1.0"

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrHealthTimeout    = errors.New("instance did not become healthy in time")
)

// Instance is a healthy instance ready to receive traffic.
type Instance struct {
	Name      string
	Reference string
	// Addr is host:port of the instance on the proxy network.
	Addr string
	// Cold is true when the instance was started by this call.
	Cold bool
}

type ControllerConfig struct {
	Log            logr.Logger
	Clock          clock.PassiveClock
	ProbeClient    *http.Client
	Network        string
	Port           int
	StartupTimeout time.Duration
	ProbeInterval  time.Duration
}

func (cfg *ControllerConfig) Apply(opts ...ControllerOption) error {
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

type ControllerOption func(cfg *ControllerConfig) error

func WithLogger(log logr.Logger) ControllerOption {
	return func(cfg *ControllerConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithClock(clk clock.PassiveClock) ControllerOption {
	return func(cfg *ControllerConfig) error {
		cfg.Clock = clk
		return nil
	}
}

func WithNetwork(network string) ControllerOption {
	return func(cfg *ControllerConfig) error {
		cfg.Network = network
		return nil
	}
}

func WithPort(port int) ControllerOption {
	return func(cfg *ControllerConfig) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid target port %d", port)
		}
		cfg.Port = port
		return nil
	}
}

func WithStartupTimeout(timeout time.Duration) ControllerOption {
	return func(cfg *ControllerConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("startup timeout must be positive, got %s", timeout)
		}
		cfg.StartupTimeout = timeout
		return nil
	}
}

// WithProbe sets the delay between health probes and the timeout of a single probe.
func WithProbe(interval, timeout time.Duration) ControllerOption {
	return func(cfg *ControllerConfig) error {
		cfg.ProbeInterval = interval
		cfg.ProbeClient.Timeout = timeout
		return nil
	}
}

// Controller makes sure exactly one healthy instance exists per artifact
// reference before traffic is forwarded to it.
type Controller struct {
	client         runtime.Client
	ledger         *ledger.Ledger
	locker         lock.Locker
	log            logr.Logger
	clock          clock.PassiveClock
	probeClient    *http.Client
	network        string
	port           int
	startupTimeout time.Duration
	probeInterval  time.Duration
}

func NewController(client runtime.Client, ldgr *ledger.Ledger, locker lock.Locker, opts ...ControllerOption) (*Controller, error) {
	cfg := ControllerConfig{
		Log:   logr.Discard(),
		Clock: clock.RealClock{},
		ProbeClient: &http.Client{
			Transport: probeTransport(),
			Timeout:   time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Network:        "dynamic_proxy_net",
		Port:           80,
		StartupTimeout: 30 * time.Second,
		ProbeInterval:  500 * time.Millisecond,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	return &Controller{
		client:         client,
		ledger:         ldgr,
		locker:         locker,
		log:            cfg.Log,
		clock:          cfg.Clock,
		probeClient:    cfg.ProbeClient,
		network:        cfg.Network,
		port:           cfg.Port,
		startupTimeout: cfg.StartupTimeout,
		probeInterval:  cfg.ProbeInterval,
	}, nil
}

// Ensure returns a healthy instance for the reference, starting one if needed.
func (c *Controller) Ensure(ctx context.Context, ref string) (Instance, error) {
	log := c.log.WithValues("ref", ref)
	start := c.clock.Now()

	inst, err := c.ensure(ctx, log, ref)
	outcome := outcomeLabel(err)
	metrics.ProvisionsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		return Instance{}, err
	}
	startLabel := "warm"
	if inst.Cold {
		startLabel = "cold"
		metrics.ColdStartsTotal.Inc()
	}
	metrics.ProvisionDurHistogram.WithLabelValues(startLabel).Observe(c.clock.Since(start).Seconds())

	c.ledger.Touch(ref)
	return inst, nil
}

func (c *Controller) ensure(ctx context.Context, log logr.Logger, ref string) (Instance, error) {
	err := c.ensureArtifact(ctx, log, ref)
	if err != nil {
		return Instance{}, err
	}

	unlock := c.locker.Lock(ref)
	defer unlock()

	// Callers queued on the lock rely on the outcome, so a caller going away
	// must not abort provisioning. The startup timeout still bounds the gate.
	ctx = context.WithoutCancel(ctx)

	name := naming.InstanceName(ref)
	log = log.WithValues("instance", name)
	ctr, err := c.client.GetContainer(ctx, name)
	switch {
	case err == nil && !ctr.Gone():
		log.V(4).Info("instance already exists", "state", ctr.State)
		return c.instance(ctr, ref, false), nil
	case err == nil:
		log.Info("waiting for terminated instance to be removed", "state", ctr.State)
		err = c.awaitRemoval(ctx, name)
		if err != nil {
			return Instance{}, err
		}
	case !errdefs.IsNotFound(err):
		return Instance{}, fmt.Errorf("could not look up instance %s: %w", name, err)
	}

	// The reaper may have removed the artifact since it was checked outside the lock.
	err = c.ensureArtifact(ctx, log, ref)
	if err != nil {
		return Instance{}, err
	}

	log.Info("starting instance")
	ctr, err = c.client.RunContainer(ctx, runtime.RunSpec{
		Image:   ref,
		Name:    name,
		Network: c.network,
		Labels: map[string]string{
			runtime.LabelImageName: ref,
		},
		AutoRemove: true,
	})
	if err != nil {
		if ctr.ID != "" {
			stopErr := c.client.StopContainer(ctx, ctr.ID)
			if stopErr != nil {
				err = errors.Join(err, fmt.Errorf("could not roll back instance %s: %w", ctr.ID, stopErr))
			}
		}
		return Instance{}, fmt.Errorf("could not start instance %s: %w", name, err)
	}

	inst := c.instance(ctr, ref, true)
	err = c.healthGate(ctx, log, inst.Addr)
	if err != nil {
		log.Error(err, "instance failed to become healthy, stopping it")
		stopErr := c.client.StopContainer(ctx, ctr.ID)
		if stopErr != nil {
			log.Error(stopErr, "could not stop unhealthy instance")
		}
		return Instance{}, errors.Join(ErrHealthTimeout, err)
	}
	log.Info("instance is ready")
	return inst, nil
}

func (c *Controller) ensureArtifact(ctx context.Context, log logr.Logger, ref string) error {
	ok, err := c.client.ImageExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("could not check artifact %s: %w", ref, err)
	}
	if ok {
		return nil
	}
	log.Info("pulling artifact")
	err = c.client.PullImage(ctx, ref)
	if errdefs.IsNotFound(err) {
		return errors.Join(ErrArtifactNotFound, err)
	}
	if err != nil {
		return fmt.Errorf("could not pull artifact %s: %w", ref, err)
	}
	return nil
}

// awaitRemoval waits for a terminated instance holding the name to be cleaned up.
func (c *Controller) awaitRemoval(ctx context.Context, name string) error {
	err := wait.PollUntilContextTimeout(ctx, c.probeInterval, c.startupTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := c.client.GetContainer(ctx, name)
		if errdefs.IsNotFound(err) {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("instance name %s is still held by a terminated instance: %w", name, err)
	}
	return nil
}

// healthGate polls the instance root until it accepts a connection. Any HTTP
// response counts as healthy.
func (c *Controller) healthGate(ctx context.Context, log logr.Logger, addr string) error {
	gateCtx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	u := "http://" + addr + "/"
	log.V(4).Info("waiting for instance", "url", u)
	return retry.Do(
		func() error {
			return c.probe(gateCtx, u)
		},
		retry.Context(gateCtx),
		retry.Attempts(0),
		retry.Delay(c.probeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.V(4).Info("health probe failed", "attempt", n, "error", err)
		}),
	)
}

func (c *Controller) probe(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("User-Agent", HealthCheckUserAgent)
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Controller) instance(ctr runtime.Container, ref string, cold bool) Instance {
	return Instance{
		Name:      ctr.Name,
		Reference: ref,
		Addr:      net.JoinHostPort(ctr.AddrOn(c.network), strconv.Itoa(c.port)),
		Cold:      cold,
	}
}

// probeTransport never routes probes through an environment proxy since
// instances are only reachable on the local network.
func probeTransport() http.RoundTripper {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	transport = transport.Clone()
	transport.Proxy = nil
	return transport
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ready"
	case errors.Is(err, ErrArtifactNotFound):
		return "not_found"
	case errors.Is(err, ErrHealthTimeout):
		return "health_timeout"
	default:
		return "error"
	}
}
