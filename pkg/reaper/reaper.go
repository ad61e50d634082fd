package reaper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"wakeproxy/internal/channel"
	"wakeproxy/pkg/ledger"
	"wakeproxy/pkg/lock"
	"wakeproxy/pkg/metrics"
	"wakeproxy/pkg/naming"
	"wakeproxy/pkg/runtime"
)

// DefaultRemoteRegistries are matched against registry hosts of an artifact's
// repo digests. Artifacts without a match are treated as locally built.
var DefaultRemoteRegistries = []string{"docker.io", "ghcr.io", "quay.io", "gcr.io", "ecr."}

// CycleResult summarises one reaper cycle.
type CycleResult struct {
	Errors    []error
	Stopped   int
	Removed   int
	Untracked int
	Retained  int
	Adopted   int
}

type ReaperConfig struct {
	Log              logr.Logger
	Clock            clock.WithTicker
	RemoteRegistries []string
	Interval         time.Duration
	ContainerTimeout time.Duration
	ArtifactTimeout  time.Duration
	SettleInterval   time.Duration
	SettleTimeout    time.Duration
}

func (cfg *ReaperConfig) Apply(opts ...ReaperOption) error {
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

type ReaperOption func(cfg *ReaperConfig) error

func WithLogger(log logr.Logger) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithClock(clk clock.WithTicker) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.Clock = clk
		return nil
	}
}

func WithInterval(interval time.Duration) ReaperOption {
	return func(cfg *ReaperConfig) error {
		if interval <= 0 {
			return fmt.Errorf("reap interval must be positive, got %s", interval)
		}
		cfg.Interval = interval
		return nil
	}
}

// WithIdleTimeouts sets how long an instance and an artifact may go unused
// before they are reclaimed.
func WithIdleTimeouts(container, artifact time.Duration) ReaperOption {
	return func(cfg *ReaperConfig) error {
		if container <= 0 || artifact <= 0 {
			return errors.New("idle timeouts must be positive")
		}
		cfg.ContainerTimeout = container
		cfg.ArtifactTimeout = artifact
		return nil
	}
}

// WithSettle bounds how long to wait for stopped instances to leave the
// running set before artifacts are evaluated.
func WithSettle(interval, timeout time.Duration) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.SettleInterval = interval
		cfg.SettleTimeout = timeout
		return nil
	}
}

func WithRemoteRegistries(registries []string) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.RemoteRegistries = registries
		return nil
	}
}

// Reaper stops idle instances and removes artifacts nobody has used for a while.
type Reaper struct {
	client           runtime.Client
	ledger           *ledger.Ledger
	locker           lock.Locker
	log              logr.Logger
	clock            clock.WithTicker
	trigger          chan time.Time
	remoteRegistries []string
	interval         time.Duration
	containerTimeout time.Duration
	artifactTimeout  time.Duration
	settleInterval   time.Duration
	settleTimeout    time.Duration
}

func NewReaper(client runtime.Client, ldgr *ledger.Ledger, locker lock.Locker, opts ...ReaperOption) (*Reaper, error) {
	cfg := ReaperConfig{
		Log:              logr.Discard(),
		Clock:            clock.RealClock{},
		RemoteRegistries: DefaultRemoteRegistries,
		Interval:         time.Minute,
		ContainerTimeout: 300 * time.Second,
		ArtifactTimeout:  1800 * time.Second,
		SettleInterval:   100 * time.Millisecond,
		SettleTimeout:    2 * time.Second,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	return &Reaper{
		client:           client,
		ledger:           ldgr,
		locker:           locker,
		log:              cfg.Log,
		clock:            cfg.Clock,
		trigger:          make(chan time.Time, 1),
		remoteRegistries: cfg.RemoteRegistries,
		interval:         cfg.Interval,
		containerTimeout: cfg.ContainerTimeout,
		artifactTimeout:  cfg.ArtifactTimeout,
		settleInterval:   cfg.SettleInterval,
		settleTimeout:    cfg.SettleTimeout,
	}, nil
}

// Run reaps on every interval and on every Trigger until the context is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	tickerCh := channel.Merge[time.Time](ticker.C(), r.trigger)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tickerCh:
			res := r.RunOnce(ctx)
			r.log.V(4).Info("reaper cycle completed", "stopped", res.Stopped, "removed", res.Removed, "untracked", res.Untracked, "retained", res.Retained, "adopted", res.Adopted)
			if len(res.Errors) > 0 {
				r.log.Error(errors.Join(res.Errors...), "reaper cycle completed with errors")
			}
		}
	}
}

// Trigger requests a cycle without waiting for the next interval.
func (r *Reaper) Trigger() {
	select {
	case r.trigger <- r.clock.Now():
	default:
	}
}

// RunOnce performs a single cycle. Instances are always evaluated before
// artifacts. Failures for one entry never abort the rest of the cycle.
func (r *Reaper) RunOnce(ctx context.Context) CycleResult {
	start := r.clock.Now()
	cycle := r.locker.BeginCycle()
	defer cycle.End()

	res := CycleResult{}
	stopped := r.reapInstances(ctx, start, cycle, &res)
	if len(stopped) > 0 {
		r.settle(ctx, stopped)
	}
	r.reapArtifacts(ctx, start, cycle, &res)

	metrics.ReaperActionsTotal.WithLabelValues("stop").Add(float64(res.Stopped))
	metrics.ReaperActionsTotal.WithLabelValues("remove").Add(float64(res.Removed))
	metrics.ReaperActionsTotal.WithLabelValues("untrack").Add(float64(res.Untracked))
	metrics.ReaperActionsTotal.WithLabelValues("retain").Add(float64(res.Retained))
	metrics.ReaperCycleDurHistogram.Observe(r.clock.Since(start).Seconds())
	metrics.TrackedReferences.Set(float64(r.ledger.Len()))
	return res
}

func (r *Reaper) reapInstances(ctx context.Context, now time.Time, cycle lock.Cycle, res *CycleResult) sets.Set[string] {
	stopped := sets.New[string]()
	ctrs, err := r.client.ListContainers(ctx, runtime.ListFilter{Label: runtime.LabelImageName})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("could not list instances: %w", err))
		return stopped
	}
	for _, ctr := range ctrs {
		ref, ok := ctr.Reference()
		if !ok || ctr.Gone() {
			continue
		}
		log := r.log.WithValues("instance", ctr.Name, "ref", ref)

		if _, adopted := r.ledger.Adopt(ref); adopted {
			log.Info("tracking instance without access record")
			res.Adopted++
			continue
		}

		err := func() error {
			unlock := cycle.Entry(ref)
			defer unlock()

			last, ok := r.ledger.LastAccess(ref)
			if !ok || now.Sub(last) <= r.containerTimeout {
				return nil
			}
			log.Info("stopping idle instance", "idle", now.Sub(last).String())
			err := r.client.StopContainer(ctx, ctr.ID)
			if err != nil {
				return fmt.Errorf("could not stop instance %s: %w", ctr.Name, err)
			}
			stopped.Insert(ctr.ID)
			res.Stopped++
			return nil
		}()
		if err != nil {
			log.Error(err, "instance reclamation failed")
			res.Errors = append(res.Errors, err)
		}
	}
	return stopped
}

// settle waits for stopped instances to no longer be reported as running.
func (r *Reaper) settle(ctx context.Context, stopped sets.Set[string]) {
	err := wait.PollUntilContextTimeout(ctx, r.settleInterval, r.settleTimeout, true, func(ctx context.Context) (bool, error) {
		running, err := r.client.ListContainers(ctx, runtime.ListFilter{Label: runtime.LabelImageName, RunningOnly: true})
		if err != nil {
			return false, nil
		}
		for _, ctr := range running {
			if stopped.Has(ctr.ID) {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		r.log.V(4).Info("stopped instances have not settled", "error", err)
	}
}

func (r *Reaper) reapArtifacts(ctx context.Context, now time.Time, cycle lock.Cycle, res *CycleResult) {
	running, err := r.client.ListContainers(ctx, runtime.ListFilter{Label: runtime.LabelImageName, RunningOnly: true})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("could not list running instances, skipping artifacts: %w", err))
		return
	}
	active := sets.New[string]()
	for _, ctr := range running {
		if ref, ok := ctr.Reference(); ok {
			active.Insert(ref)
		}
	}

	for _, ref := range sets.List(sets.KeySet(r.ledger.Snapshot())) {
		if active.Has(ref) {
			continue
		}
		err := r.reapArtifact(ctx, now, cycle, ref, res)
		if err != nil {
			r.log.Error(err, "artifact reclamation failed", "ref", ref)
			res.Errors = append(res.Errors, err)
		}
	}
}

func (r *Reaper) reapArtifact(ctx context.Context, now time.Time, cycle lock.Cycle, ref string, res *CycleResult) error {
	unlock := cycle.Entry(ref)
	defer unlock()

	log := r.log.WithValues("ref", ref)
	last, ok := r.ledger.LastAccess(ref)
	if !ok || now.Sub(last) <= r.artifactTimeout {
		return nil
	}
	ctr, err := r.client.GetContainer(ctx, naming.InstanceName(ref))
	if err == nil && !ctr.Gone() {
		log.V(4).Info("artifact still backs an instance", "instance", ctr.Name, "state", ctr.State)
		return nil
	}

	if r.isLocal(ctx, log, ref) {
		log.Info("artifact is local and will not be removed")
		r.ledger.Delete(ref)
		res.Untracked++
		return nil
	}

	log.Info("removing idle artifact", "idle", now.Sub(last).String())
	err = r.client.RemoveImage(ctx, ref)
	switch {
	case err == nil, errdefs.IsNotFound(err):
		r.ledger.Delete(ref)
		res.Removed++
		return nil
	case errdefs.IsConflict(err):
		log.Info("artifact is still in use, retrying next cycle", "reason", err.Error())
		res.Retained++
		return nil
	default:
		res.Retained++
		return fmt.Errorf("could not remove artifact %s: %w", ref, err)
	}
}

// isLocal reports whether the artifact was not pulled from a known remote
// registry. This is a heuristic; artifacts from unlisted registries are local.
func (r *Reaper) isLocal(ctx context.Context, log logr.Logger, ref string) bool {
	img, err := r.client.InspectImage(ctx, ref)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			log.Error(err, "could not inspect artifact, treating it as local")
		}
		return true
	}
	for _, repo := range img.DigestedRepositories() {
		if r.isRemoteRepository(repo) {
			return false
		}
	}
	return true
}

func (r *Reaper) isRemoteRepository(repo string) bool {
	host := repo
	if parsed, err := name.NewRepository(repo); err == nil {
		host = parsed.RegistryStr()
	}
	for _, registry := range r.remoteRegistries {
		if registry != "" && strings.Contains(host, registry) {
			return true
		}
	}
	return false
}
