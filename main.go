package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"wakeproxy/pkg/config"
	"wakeproxy/pkg/forward"
	"wakeproxy/pkg/ledger"
	"wakeproxy/pkg/lock"
	"wakeproxy/pkg/metrics"
	"wakeproxy/pkg/network"
	"wakeproxy/pkg/provision"
	"wakeproxy/pkg/proxy"
	"wakeproxy/pkg/reaper"
	"wakeproxy/pkg/resolver"
	"wakeproxy/pkg/runtime"
)

type Arguments struct {
	config.Config
	ConfigFile string     `arg:"--config,env:CONFIG_FILE" help:"TOML file whose values override flags and environment."`
	DockerHost string     `arg:"--docker-host,env:DOCKER_HOST" help:"Docker Engine endpoint, defaults to the local socket."`
	LogLevel   slog.Level `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	p := arg.MustParse(args)
	if args.ConfigFile != "" {
		if err := config.Overlay(args.ConfigFile, &args.Config); err != nil {
			p.Fail(err.Error())
		}
	}
	if len(args.RemoteRegistries) == 0 {
		args.RemoteRegistries = reaper.DefaultRemoteRegistries
	}
	if err := config.Validate(args.Config); err != nil {
		p.Fail(err.Error())
	}

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	klog.SetLogger(log)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	return proxyCommand(ctx, args)
}

func proxyCommand(ctx context.Context, args *Arguments) error {
	log := logr.FromContextOrDiscard(ctx)
	cfg := args.Config

	// Runtime
	dockerOpts := []runtime.DockerOption{
		runtime.WithPlatform(cfg.Platform),
		runtime.WithDockerLogger(log),
	}
	if args.DockerHost != "" {
		dockerOpts = append(dockerOpts, runtime.WithHost(args.DockerHost))
	}
	docker, err := runtime.NewDocker(dockerOpts...)
	if err != nil {
		return err
	}
	defer docker.Close()
	err = docker.Verify(ctx)
	if err != nil {
		return err
	}
	err = network.Bootstrap(ctx, docker, cfg.Network)
	if err != nil {
		return err
	}

	ldgr := ledger.New(nil)
	locker, err := lock.New(cfg.LockMode)
	if err != nil {
		return err
	}

	// Resolver
	var res resolver.Resolver
	if cfg.FullPath() {
		res, err = resolver.NewFullPath(docker,
			resolver.WithLogger(log),
			resolver.WithNegativeCache(1024, cfg.NegativeCacheTTL.Std()),
		)
		if err != nil {
			return err
		}
	} else {
		res = resolver.NewFixedBase(cfg.Image)
	}

	ctrl, err := provision.NewController(docker, ldgr, locker,
		provision.WithLogger(log),
		provision.WithNetwork(cfg.Network),
		provision.WithPort(cfg.Port),
		provision.WithStartupTimeout(cfg.StartupTimeout.Std()),
	)
	if err != nil {
		return err
	}
	fwd, err := forward.NewForwarder(
		forward.WithLogger(log),
		forward.WithLedger(ldgr),
		forward.WithTimeouts(cfg.ConnectTimeout.Std(), cfg.ReadTimeout.Std()),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Reaper
	rpr, err := reaper.NewReaper(docker, ldgr, locker,
		reaper.WithLogger(log),
		reaper.WithInterval(cfg.ReapInterval.Std()),
		reaper.WithIdleTimeouts(cfg.ContainerTimeout.Std(), cfg.ImageTimeout.Std()),
		reaper.WithSettle(100*time.Millisecond, cfg.SettleTimeout.Std()),
		reaper.WithRemoteRegistries(cfg.RemoteRegistries),
	)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return rpr.Run(ctx)
	})

	// Proxy
	prx, err := proxy.NewProxy(res, ctrl, fwd,
		proxy.WithLogger(log),
		proxy.WithBasePath(cfg.RoutePrefix()),
	)
	if err != nil {
		return err
	}
	proxySrv := prx.Server(cfg.Addr)
	g.Go(func() error {
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return proxySrv.Shutdown(shutdownCtx)
	})

	// Metrics
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := docker.Verify(req.Context()); err != nil {
			http.Error(w, fmt.Sprintf("runtime unavailable: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	route := "/<tag>/<...>"
	if cfg.FullPath() {
		route = "/<image>/<...>"
	}
	if cfg.RoutePrefix() != "" {
		route = "/" + cfg.RoutePrefix() + route
	}
	log.Info("running wakeproxy",
		"addr", cfg.Addr,
		"metricsAddr", cfg.MetricsAddr,
		"runtime", docker.Name(),
		"image", cfg.Image,
		"route", route,
		"targetPort", cfg.Port,
		"containerTimeout", cfg.ContainerTimeout.String(),
		"imageTimeout", cfg.ImageTimeout.String(),
		"startupTimeout", cfg.StartupTimeout.String(),
		"network", cfg.Network,
		"lockMode", cfg.LockMode,
	)
	err = g.Wait()
	if err != nil {
		return err
	}
	return nil
}
