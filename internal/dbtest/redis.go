package dbtest

import (
	"context"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/go-redis/redis/v8"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisImage exposes the image to use for the Redis container.
//
// See <https://hub.docker.com/_/redis> for more images.
const RedisImage = "docker.io/redis:7-alpine"

const redisPort = nat.Port("6379/tcp")

// SetupRedis spins up a new Redis Docker container and returns a client
// connected to it. The client is closed during cleanup of the provided
// [*testing.T].
//
// The provided [*testing.T] is used the same way as in SetupPostgres: skipping
// in short mode, parallelising, and tearing the container down.
func SetupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        RedisImage,
			ExposedPorts: []string{string(redisPort)},
			WaitingFor:   wait.ForListeningPort(redisPort),
		},
		Started: true,
		Logger:  log.TestLogger(t),
	})
	if err != nil {
		t.Fatal("Failed to run redis container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating redis container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, redisPort, "")
	if err != nil {
		t.Fatal("Failed to get redis endpoint:", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Error("Encountered an error during cleanup while closing the redis client:", err)
		}
	})

	// Verify that the connection is working and the server is ready.
	if err := pingWithRetries(t, func() error { return client.Ping(ctx).Err() }); err != nil {
		t.Fatalf("Failed to establish a connection with the redis server after retries: %v", err)
	}

	// Keep the container running for manual debugging of the keyspace.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
			t.Logf("Address = %s", endpoint)
			waitForInspection()
		}
	})

	return client
}
