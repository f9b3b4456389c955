package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage exposes the image to use for the PostgreSQL container.
//
// See <https://hub.docker.com/_/postgres> for more images.
const PostgresImage = "docker.io/postgres:16-alpine"

const postgresPort = nat.Port("5432/tcp")

// Credentials of the throwaway test database. These never guard anything of
// value: the container lives for the duration of one test.
const postgresUser = "producttwin"

// SetupPostgres spins up a new PostgreSQL Docker container and returns an open
// database handle connected to it. The handle is closed during cleanup of the
// provided [*testing.T].
//
// The provided [*testing.T] is used to:
//   - skip the test if the '-short' flag is set,
//   - clean up the container after the test completes, and
//   - mark the test as parallel to avoid blocking other long-running tests.
//
// This is a higher-level wrapper around the functionality provided by
// testcontainers-go. Use this function to avoid duplicating the same
// boilerplate code in common tests that require a standard PostgreSQL
// database.
func SetupPostgres(t *testing.T) *sql.DB {
	t.Helper()

	// Container-based tests are long-running and should respect the '-short' flag.
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}

	// Always run container-based tests in parallel.
	t.Parallel()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        PostgresImage,
			ExposedPorts: []string{string(postgresPort)},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresUser,
				"POSTGRES_DB":       postgresUser,
			},
			// The server restarts once during initialisation, so waiting for
			// the port alone races with the restart. The log line below is
			// printed only by the final, ready server.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections"),
				wait.ForListeningPort(postgresPort),
			),
		},
		Started: true,
		Logger:  log.TestLogger(t),
	})
	if err != nil {
		t.Fatal("Failed to run postgres container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating postgres container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, postgresPort, "")
	if err != nil {
		t.Fatal("Failed to get postgres endpoint:", err)
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", postgresUser, postgresUser, endpoint, postgresUser)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal("Failed to open postgres handle:", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error("Encountered an error during cleanup while closing the postgres handle:", err)
		}
	})

	// Verify that the connection is working and the database is ready.
	if err := pingWithRetries(t, func() error { return db.PingContext(ctx) }); err != nil {
		t.Fatalf("Failed to establish a connection with the postgres server after retries: %v", err)
	}

	// Keep the container running for manual debugging of the database.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
			t.Logf("DSN = %s", dsn)
			waitForInspection()
		}
	})

	return db
}
