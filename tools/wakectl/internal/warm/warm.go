package warm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// UserAgent identifies warm requests in proxy and instance logs.
const UserAgent = "wakectl-warm/1.0"

type Result struct {
	Path     string
	Status   int
	Duration time.Duration
	Err      error
}

type Warmer struct {
	base   *url.URL
	client *http.Client
}

func NewWarmer(proxyURL string, client *http.Client) (*Warmer, error) {
	base, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("proxy url %q must use http or https", proxyURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Warmer{base: base, client: client}, nil
}

// Waves splits paths into consecutive waves. The first wave holds first
// paths, a single one when first is not positive, so a broken proxy fails
// fast. Every following wave is twice the size of the one before it.
func Waves(paths []string, first int) [][]string {
	size := max(first, 1)
	var waves [][]string
	for rest := paths; len(rest) > 0; size *= 2 {
		n := min(size, len(rest))
		waves = append(waves, rest[:n:n])
		rest = rest[n:]
	}
	return waves
}

// Warm requests every path wave by wave. A wave starts once the previous one
// has finished so that cold starts never pile up on the proxy. Results are
// returned in the order of paths.
func (w *Warmer) Warm(ctx context.Context, paths []string, first int, onWave func(wave int, paths []string)) []Result {
	results := make([]Result, 0, len(paths))
	for i, wave := range Waves(paths, first) {
		if onWave != nil {
			onWave(i+1, wave)
		}
		waveResults := make([]Result, len(wave))
		g, gCtx := errgroup.WithContext(ctx)
		for j, path := range wave {
			g.Go(func() error {
				waveResults[j] = w.request(gCtx, path)
				return nil
			})
		}
		//nolint: errcheck // request never returns an error to the group.
		g.Wait()
		results = append(results, waveResults...)
	}
	return results
}

func (w *Warmer) request(ctx context.Context, path string) Result {
	res := Result{Path: path}
	start := time.Now()

	u := *w.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := w.client.Do(req)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}
	defer resp.Body.Close()
	//nolint: errcheck // Body is drained so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	res.Status = resp.StatusCode
	res.Duration = time.Since(start)
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusNotFound {
		res.Err = fmt.Errorf("unexpected status %s", resp.Status)
	}
	return res
}
