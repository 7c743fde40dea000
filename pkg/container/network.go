package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
)

// Network is a logical docker network. Its identity is fixed at construction;
// the docker network itself is created on first use by a starting container.
type Network struct {
	id string

	mu     sync.Mutex
	docker *testcontainers.DockerNetwork
}

var sharedNetwork = &Network{id: "shared"}

// SharedNetwork is the process-wide network used when a group declares none.
func SharedNetwork() *Network {
	return sharedNetwork
}

func NewNetwork() *Network {
	return &Network{id: uuid.NewString()}
}

func (n *Network) ID() string {
	return n.id
}

// Name returns the docker network name, or "" before the network exists.
func (n *Network) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.docker == nil {
		return ""
	}
	return n.docker.Name
}

func (n *Network) ensure(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.docker != nil {
		return n.docker.Name, nil
	}

	dn, err := network.New(ctx, network.WithLabels(map[string]string{"org.microshed.network": n.id}))
	if err != nil {
		return "", fmt.Errorf("error creating network %s: %w", n.id, err)
	}
	n.docker = dn
	return dn.Name, nil
}

// Remove deletes the docker network if it was created.
func (n *Network) Remove(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.docker == nil {
		return nil
	}
	if err := n.docker.Remove(ctx); err != nil {
		return fmt.Errorf("error removing network %s: %w", n.id, err)
	}
	n.docker = nil
	return nil
}

func (n *Network) String() string {
	return "Network[" + n.id + "]"
}
