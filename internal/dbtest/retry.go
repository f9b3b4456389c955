package dbtest

import (
	"fmt"
	"testing"
	"time"
)

// pingWithRetries verifies that a freshly started container actually accepts
// connections, retrying a few times before giving up.
//
// In the case that the container returns before the database is fully ready,
// it is useful to perform a limited number of connectivity retries, before
// determining that the connectivity is not working.
func pingWithRetries(t *testing.T, ping func() error) error {
	t.Helper()

	const retryLimit = 5
	const retryPause = 100 * time.Millisecond

	// Initial attempt to verify the connection without a wait.
	err := ping()
	if err == nil {
		return nil
	}
	// Prefix each subsequent retry with a short wait.
	for r := range retryLimit {
		t.Logf("Attempting retry [%d/%d] after failing to establish a connection with the database: %v", r, retryLimit, err)
		time.Sleep(retryPause)
		if err = ping(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("connectivity retries exhausted: %w", err)
}
