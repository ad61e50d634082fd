package registry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

func newRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func layerSize(t *testing.T, img v1.Image) int64 {
	t.Helper()
	size, err := totalLayerSize(img)
	if err != nil {
		t.Fatalf("totalLayerSize() error = %v", err)
	}
	return size
}

func TestInspectImage(t *testing.T) {
	host := newRegistry(t)
	img, err := random.Image(1024, 3)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := name.ParseReference(host+"/team/app:v1", name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Write(ref, img); err != nil {
		t.Fatal(err)
	}
	digest, err := img.Digest()
	if err != nil {
		t.Fatal(err)
	}

	client := NewClient(WithInsecure(true))
	summary, err := client.Inspect(context.Background(), host+"/team/app:v1")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if summary.Registry != host {
		t.Errorf("Registry = %q, want %q", summary.Registry, host)
	}
	if summary.Digest != digest.String() {
		t.Errorf("Digest = %q, want %q", summary.Digest, digest)
	}
	if len(summary.Platforms) != 0 {
		t.Errorf("Platforms = %v, want none for a single manifest", summary.Platforms)
	}
	if want := layerSize(t, img); summary.Size != want {
		t.Errorf("Size = %d, want %d", summary.Size, want)
	}
}

func TestInspectIndexPrefersPlatform(t *testing.T) {
	host := newRegistry(t)
	arm, err := random.Image(512, 1)
	if err != nil {
		t.Fatal(err)
	}
	amd, err := random.Image(2048, 2)
	if err != nil {
		t.Fatal(err)
	}
	idx := mutate.AppendManifests(empty.Index,
		mutate.IndexAddendum{Add: arm, Descriptor: v1.Descriptor{Platform: &v1.Platform{OS: "linux", Architecture: "arm64"}}},
		mutate.IndexAddendum{Add: amd, Descriptor: v1.Descriptor{Platform: &v1.Platform{OS: "linux", Architecture: "amd64"}}},
	)
	ref, err := name.ParseReference(host+"/team/multi:v1", name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.WriteIndex(ref, idx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		desc string
		arch string
		want v1.Image
	}{
		{desc: "amd64", arch: "amd64", want: amd},
		{desc: "arm64", arch: "arm64", want: arm},
		{desc: "Fallback to same OS", arch: "s390x", want: arm},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			client := NewClient(WithInsecure(true), WithPlatform("linux", tt.arch))
			summary, err := client.Inspect(context.Background(), host+"/team/multi:v1")
			if err != nil {
				t.Fatalf("Inspect() error = %v", err)
			}
			if len(summary.Platforms) != 2 {
				t.Errorf("Platforms = %v, want 2 entries", summary.Platforms)
			}
			if want := layerSize(t, tt.want); summary.Size != want {
				t.Errorf("Size = %d, want %d", summary.Size, want)
			}
		})
	}
}

func TestInspectMissing(t *testing.T) {
	host := newRegistry(t)
	client := NewClient(WithInsecure(true))
	if _, err := client.Inspect(context.Background(), host+"/team/absent:v1"); err == nil {
		t.Fatal("Inspect() expected error for a missing image")
	}
	if _, err := client.Inspect(context.Background(), "Not A Reference"); err == nil {
		t.Fatal("Inspect() expected error for an invalid reference")
	}
}
