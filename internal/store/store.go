// Package store implements durable persistence backends for the long-term
// memory store: PostgreSQL, Redis and Neo4j flavors of the same
// load/save snapshot contract. The engine treats whichever backend is
// configured as the crash-consistent source of truth between restarts.
package store

import (
	"errors"
	"fmt"

	"github.com/nidhogg/engram/internal/memory"
)

// unavailable tags a backend failure with the engine's transient-store
// sentinel so the consolidation scheduler retries it with backoff.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(memory.ErrStoreUnavailable, err))
}
