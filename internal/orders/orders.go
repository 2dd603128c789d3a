// Package orders provides the pipeline's view of pending transactions
// awaiting payment. The matcher only reads candidates; claiming one is a
// conditional state transition so concurrent decisions racing for the
// same order resolve to exactly one winner.
package orders

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates an order store based on configuration.
func New(cfg domain.OrdersConfig) (domain.OrderStore, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sql":
		return NewSQLStore(cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported orders backend: %s", cfg.Backend)
	}
}
