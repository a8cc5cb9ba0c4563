package mdip

import (
	"context"
	"slices"
)

// queueOperation schedules op for distribution. Local operations are never distributed,
// everything else goes out on hyperswarm and on its own registry.
func (g *Gatekeeper) queueOperation(ctx context.Context, registry string, op OpEnum) error {
	if registry == RegistryLocal {
		return nil
	}

	if _, err := g.store.QueueOperation(ctx, RegistryHyperswarm, op); err != nil {
		return err
	}

	if registry == RegistryHyperswarm {
		return nil
	}

	size, err := g.store.QueueOperation(ctx, registry, op)
	if err != nil {
		return err
	}

	if size >= g.maxQueueSize {
		// stop accepting new operations until a mediator drains the queue
		g.registriesLock.Lock()
		g.registries = slices.DeleteFunc(g.registries, func(r string) bool { return r == registry })
		g.registriesLock.Unlock()
		g.logger.Warn("registry queue full", "registry", registry, "size", size)
	}
	return nil
}

// GetQueue returns the operations awaiting export on registry. Asking for a registry's
// queue marks the registry as supported, since a mediator is evidently serving it.
func (g *Gatekeeper) GetQueue(ctx context.Context, registry string) ([]OpEnum, error) {
	if !IsValidRegistry(registry) {
		return nil, invalidParameter("registry", registry)
	}

	g.registriesLock.Lock()
	if !slices.Contains(g.registries, registry) {
		g.registries = append(g.registries, registry)
	}
	g.registriesLock.Unlock()

	return g.store.GetQueue(ctx, registry)
}

// ClearQueue removes exported operations from registry's queue. Operations not in the
// queue are ignored.
func (g *Gatekeeper) ClearQueue(ctx context.Context, registry string, ops []OpEnum) (bool, error) {
	if !IsValidRegistry(registry) {
		return false, invalidParameter("registry", registry)
	}
	return g.store.ClearQueue(ctx, registry, ops)
}
