package network

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"

	"wakeproxy/pkg/runtime"
)

// Bootstrap ensures the instance network exists and attaches the proxy's own
// container to it. Failing to attach is logged but not fatal, as the proxy
// may run outside of a container.
func Bootstrap(ctx context.Context, client runtime.Client, name string) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("could not determine hostname: %w", err)
	}
	return bootstrap(ctx, client, name, hostname)
}

func bootstrap(ctx context.Context, client runtime.Client, name, self string) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("network", name)

	ok, err := client.NetworkExists(ctx, name)
	if err != nil {
		return fmt.Errorf("could not check network %s: %w", name, err)
	}
	if ok {
		log.Info("network already exists")
	} else {
		log.Info("creating network")
		err := client.CreateNetwork(ctx, name)
		if err != nil && !errdefs.IsConflict(err) {
			return fmt.Errorf("could not create network %s: %w", name, err)
		}
	}

	log = log.WithValues("container", self)
	attached, err := client.ContainerNetworks(ctx, self)
	if errdefs.IsNotFound(err) {
		log.Info("could not find own container, expected when running outside of a container")
		return nil
	}
	if err != nil {
		log.Error(err, "could not inspect own container networks")
		return nil
	}
	if slices.Contains(attached, name) {
		log.Info("proxy is already connected to network")
		return nil
	}
	err = client.ConnectNetwork(ctx, name, self)
	if err != nil {
		log.Error(err, "could not connect proxy to network")
		return nil
	}
	log.Info("proxy connected to network")
	return nil
}
