package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartRedis boots a throwaway Redis and returns the container with its
// host:port address.
func StartRedis(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Redis container: %w", err)
	}

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		return container, "", fmt.Errorf("failed to resolve Redis endpoint: %w", err)
	}

	return container, addr, nil
}

func TerminateRedis(ctx context.Context, container testcontainers.Container) error {
	if container == nil {
		return nil
	}
	if err := container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate Redis container: %w", err)
	}
	return nil
}
