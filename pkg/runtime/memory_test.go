package runtime

import (
	"context"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

func TestMemoryPullRunStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory("127.0.0.1")
	m.AddRemoteImage("acme/app:v1", Image{ID: "sha256:1"})

	ok, err := m.ImageExists(ctx, "acme/app:v1")
	require.NoError(t, err)
	require.False(t, ok)

	err = m.PullImage(ctx, "acme/app:missing")
	require.True(t, errdefs.IsNotFound(err))

	require.NoError(t, m.PullImage(ctx, "acme/app:v1"))
	require.True(t, m.HasImage("acme/app:v1"))

	c, err := m.RunContainer(ctx, RunSpec{
		Image:      "acme/app:v1",
		Name:       "proxy-child-acme_sapp_tv1",
		Network:    "net",
		Labels:     map[string]string{LabelImageName: "acme/app:v1"},
		AutoRemove: true,
	})
	require.NoError(t, err)
	require.True(t, c.Running())
	require.Equal(t, "127.0.0.1", c.AddrOn("net"))

	_, err = m.RunContainer(ctx, RunSpec{Image: "acme/app:v1", Name: "proxy-child-acme_sapp_tv1"})
	require.True(t, errdefs.IsConflict(err))

	err = m.RemoveImage(ctx, "acme/app:v1")
	require.True(t, errdefs.IsConflict(err))

	cs, err := m.ListContainers(ctx, ListFilter{Label: LabelImageName, RunningOnly: true})
	require.NoError(t, err)
	require.Len(t, cs, 1)

	require.NoError(t, m.StopContainer(ctx, c.ID))
	require.NoError(t, m.StopContainer(ctx, c.ID))
	_, err = m.GetContainer(ctx, c.Name)
	require.True(t, errdefs.IsNotFound(err))

	require.NoError(t, m.RemoveImage(ctx, "acme/app:v1"))
	err = m.RemoveImage(ctx, "acme/app:v1")
	require.True(t, errdefs.IsNotFound(err))
}

func TestMemoryStopWithoutAutoRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory("127.0.0.1")
	m.AddContainer(Container{Name: "c", State: StateRunning}, false)

	require.NoError(t, m.StopContainer(ctx, "c"))
	c, err := m.GetContainer(ctx, "c")
	require.NoError(t, err)
	require.True(t, c.Gone())
}

func TestMemoryNetworks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory("10.0.0.2")
	m.AddContainer(Container{Name: "self", State: StateRunning}, false)

	ok, err := m.NetworkExists(ctx, "net")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, m.CreateNetwork(ctx, "net"))
	require.True(t, errdefs.IsConflict(m.CreateNetwork(ctx, "net")))

	require.NoError(t, m.ConnectNetwork(ctx, "net", "self"))
	names, err := m.ContainerNetworks(ctx, "self")
	require.NoError(t, err)
	require.Equal(t, []string{"net"}, names)
}

func TestImageDigestedRepositories(t *testing.T) {
	t.Parallel()

	img := Image{RepoDigests: []string{
		"ghcr.io/org/app@sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		"broken@sha256:xyz",
		"nodigest",
	}}
	require.Equal(t, []string{"ghcr.io/org/app"}, img.DigestedRepositories())
}

func TestContainerReference(t *testing.T) {
	t.Parallel()

	_, ok := Container{}.Reference()
	require.False(t, ok)

	ref, ok := Container{Labels: map[string]string{LabelImageName: "a:b"}}.Reference()
	require.True(t, ok)
	require.Equal(t, "a:b", ref)
}
