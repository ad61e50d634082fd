package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Summary describes an image as the proxy would pull it.
type Summary struct {
	Reference string
	Registry  string
	Digest    string
	MediaType string
	Platforms []string
	Size      int64
}

type Option func(*Client)

// WithInsecure allows plain HTTP registries.
func WithInsecure(insecure bool) Option {
	return func(c *Client) {
		c.insecure = insecure
	}
}

// WithPlatform sets the variant preferred when an image is an index.
func WithPlatform(os, arch string) Option {
	return func(c *Client) {
		c.os = os
		c.arch = arch
	}
}

type Client struct {
	insecure bool
	os       string
	arch     string
}

func NewClient(opts ...Option) *Client {
	c := &Client{os: "linux", arch: "amd64"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inspect resolves the image reference and sums the layer sizes of the
// variant the proxy host would run.
func (c *Client) Inspect(ctx context.Context, imageRef string) (Summary, error) {
	var nameOpts []name.Option
	if c.insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	ref, err := name.ParseReference(imageRef, nameOpts...)
	if err != nil {
		return Summary{}, fmt.Errorf("parsing image reference: %w", err)
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}

	desc, err := remote.Get(ref, opts...)
	if err != nil {
		return Summary{}, fmt.Errorf("fetching image descriptor: %w", err)
	}

	summary := Summary{
		Reference: ref.Name(),
		Registry:  ref.Context().RegistryStr(),
		Digest:    desc.Digest.String(),
		MediaType: string(desc.MediaType),
	}

	img, platforms, err := c.resolveImage(ref, desc, opts)
	if err != nil {
		return Summary{}, err
	}
	summary.Platforms = platforms

	summary.Size, err = totalLayerSize(img)
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

func totalLayerSize(img v1.Image) (int64, error) {
	layers, err := img.Layers()
	if err != nil {
		return 0, fmt.Errorf("getting layers: %w", err)
	}

	var total int64
	valid := 0

	for _, layer := range layers {
		size, err := layer.Size()
		if err != nil {
			continue
		}
		total += size
		valid++
	}

	if valid == 0 {
		return 0, fmt.Errorf("no readable layers found in image")
	}

	return total, nil
}

func (c *Client) resolveImage(baseRef name.Reference, desc *remote.Descriptor, opts []remote.Option) (v1.Image, []string, error) {
	if !desc.MediaType.IsIndex() {
		img, err := desc.Image()
		if err != nil {
			return nil, nil, fmt.Errorf("getting image from descriptor: %w", err)
		}
		return img, nil, nil
	}

	idx, err := desc.ImageIndex()
	if err != nil {
		return nil, nil, fmt.Errorf("getting index from descriptor: %w", err)
	}
	idxManifest, err := idx.IndexManifest()
	if err != nil {
		return nil, nil, fmt.Errorf("getting index manifest: %w", err)
	}

	var platforms []string
	for _, d := range idxManifest.Manifests {
		if d.Platform != nil {
			platforms = append(platforms, d.Platform.String())
		}
	}

	img, err := c.resolveImageFromIndex(baseRef, idxManifest.Manifests, opts)
	if err != nil {
		return nil, nil, err
	}
	return img, platforms, nil
}

func (c *Client) resolveImageFromIndex(baseRef name.Reference, manifests []v1.Descriptor, opts []remote.Option) (v1.Image, error) {
	// Preferred platform first, then any variant of the same OS, then the first available.
	passes := []func(v1.Descriptor) bool{
		func(d v1.Descriptor) bool {
			return d.Platform != nil && d.Platform.OS == c.os && d.Platform.Architecture == c.arch
		},
		func(d v1.Descriptor) bool {
			return d.Platform != nil && d.Platform.OS == c.os
		},
		func(d v1.Descriptor) bool {
			return true
		},
	}

	for _, want := range passes {
		for _, d := range manifests {
			if !want(d) {
				continue
			}

			childRef := baseRef.Context().Digest(d.Digest.String())
			childDesc, err := remote.Get(childRef, opts...)
			if err != nil {
				continue
			}

			img, err := childDesc.Image()
			if err != nil {
				continue
			}
			return img, nil
		}
	}

	return nil, fmt.Errorf("failed to resolve an image variant from index")
}
