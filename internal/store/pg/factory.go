package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// NewPGStores creates the Postgres-backed stores the agent execution core
// depends on.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Sessions:     NewPGSessionStore(db),
		Tracing:      NewPGTracingStore(db),
		BuiltinTools: NewPGBuiltinToolStore(db),
	}, nil
}
