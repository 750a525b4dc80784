// Package writer hosts the destination writer implementations. A writer
// owns one destination connection and applies routed change batches to
// it; the factory registry maps destination types to constructors.
package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/state"
)

// Writer applies change batches to one destination.
//
// Init is idempotent: called once before first use and again after
// recoverable failures. WriteBatch must be idempotent per primary key, so
// an at-least-once upstream can replay a batch without duplicating rows.
type Writer interface {
	Init(ctx context.Context) error
	WriteBatch(ctx context.Context, route common.TableSyncRoute, events []common.ChangeEvent) error
	TestConnection(ctx context.Context) error
	Close() error
}

// Factory creates a Writer from a destination row. The destination's
// Config JSON carries the type-specific settings.
type Factory func(dest state.Destination) (Writer, error)

var (
	writerFactories = make(map[string]Factory)
	factoryMu       sync.RWMutex
)

// RegisterWriter registers a writer factory for a destination type
func RegisterWriter(destType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	writerFactories[destType] = factory
}

// New creates a writer for the destination's type
func New(dest state.Destination) (Writer, error) {
	factoryMu.RLock()
	factory, exists := writerFactories[dest.DestType]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown destination type: %s", dest.DestType)
	}

	return factory(dest)
}
