package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"wakeproxy/pkg/runtime"
)

var ErrNoMatch = errors.New("no artifact reference matches path")

// Resolution is the artifact reference a request path maps to and the part
// of the path that is forwarded to the instance.
type Resolution struct {
	Reference string
	Residual  string
}

type Resolver interface {
	Resolve(ctx context.Context, path string) (Resolution, error)
}

var _ Resolver = FixedBase{}

// FixedBase treats the first path segment as the tag of a configured base.
type FixedBase struct {
	base string
}

func NewFixedBase(base string) FixedBase {
	return FixedBase{base: base}
}

func (f FixedBase) Resolve(ctx context.Context, path string) (Resolution, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return Resolution{}, fmt.Errorf("path %q has no segments: %w", path, ErrNoMatch)
	}
	tag, residual, _ := strings.Cut(trimmed, "/")
	ref := f.base + ":" + tag
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return Resolution{}, errors.Join(fmt.Errorf("segment %q is not a valid tag of %s: %w", tag, f.base, ErrNoMatch), err)
	}
	return Resolution{
		Reference: ref,
		Residual:  residual,
	}, nil
}

type FullPathConfig struct {
	Log               logr.Logger
	NegativeCacheSize int
	NegativeCacheTTL  time.Duration
}

func (cfg *FullPathConfig) Apply(opts ...FullPathOption) error {
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

type FullPathOption func(cfg *FullPathConfig) error

func WithLogger(log logr.Logger) FullPathOption {
	return func(cfg *FullPathConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithNegativeCache remembers candidates that could not be found for ttl.
// A zero ttl disables the cache.
func WithNegativeCache(size int, ttl time.Duration) FullPathOption {
	return func(cfg *FullPathConfig) error {
		if size <= 0 {
			return fmt.Errorf("negative cache size must be positive, got %d", size)
		}
		if ttl < 0 {
			return fmt.Errorf("negative cache ttl cannot be negative, got %s", ttl)
		}
		cfg.NegativeCacheSize = size
		cfg.NegativeCacheTTL = ttl
		return nil
	}
}

var _ Resolver = &FullPath{}

// FullPath resolves the longest path prefix that names an artifact present
// locally or pullable from a registry.
type FullPath struct {
	client  runtime.Client
	log     logr.Logger
	missing *expirable.LRU[string, struct{}]
}

func NewFullPath(client runtime.Client, opts ...FullPathOption) (*FullPath, error) {
	cfg := FullPathConfig{
		Log:               logr.Discard(),
		NegativeCacheSize: 1024,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	f := &FullPath{
		client: client,
		log:    cfg.Log,
	}
	if cfg.NegativeCacheTTL > 0 {
		f.missing = expirable.NewLRU[string, struct{}](cfg.NegativeCacheSize, nil, cfg.NegativeCacheTTL)
	}
	return f, nil
}

func (f *FullPath) Resolve(ctx context.Context, path string) (Resolution, error) {
	segments := []string{}
	for _, s := range strings.Split(path, "/") {
		if s == "" {
			continue
		}
		segments = append(segments, s)
	}
	if len(segments) == 0 {
		return Resolution{}, fmt.Errorf("path %q has no segments: %w", path, ErrNoMatch)
	}

	errs := []error{}
	for i := len(segments); i > 0; i-- {
		candidate := strings.Join(segments[:i], "/")
		log := f.log.WithValues("candidate", candidate)
		if _, err := reference.ParseNormalizedNamed(candidate); err != nil {
			log.V(4).Info("skipping invalid reference", "error", err)
			continue
		}
		if f.missing != nil && f.missing.Contains(candidate) {
			log.V(4).Info("skipping candidate known to be missing")
			continue
		}

		ok, err := f.client.ImageExists(ctx, candidate)
		if err != nil {
			return Resolution{}, fmt.Errorf("could not check artifact %s: %w", candidate, err)
		}
		if !ok {
			log.V(4).Info("pulling candidate")
			err = f.client.PullImage(ctx, candidate)
			if err != nil {
				log.V(4).Info("candidate could not be pulled", "error", err)
				if errdefs.IsNotFound(err) && f.missing != nil {
					f.missing.Add(candidate, struct{}{})
				}
				errs = append(errs, err)
				continue
			}
		}

		log.V(4).Info("resolved artifact reference")
		return Resolution{
			Reference: candidate,
			Residual:  strings.Join(segments[i:], "/"),
		}, nil
	}
	return Resolution{}, errors.Join(append([]error{fmt.Errorf("could not resolve path %q: %w", path, ErrNoMatch)}, errs...)...)
}
