// Package source consumes captured change events from the transport the
// capture connector publishes to. A source hands raw transport messages
// to its handler; decoding and routing happen downstream.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/sluicedb/sluice/cfg"
)

// Message is one captured change as it arrived on the wire. Subject is
// the transport path ("<prefix>.<schema>.<table>"), Payload the encoded
// change envelope.
type Message struct {
	Subject string
	Payload []byte
}

// Handler processes one fetched batch. Returning nil acknowledges the
// batch on the transport; returning an error redelivers it.
type Handler func(ctx context.Context, batch []Message) error

// Source is a resumable change stream consumer. Consume blocks until the
// context is cancelled or the source fails.
type Source interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Factory creates a Source bound to a durable consumer identity. The
// identity is the resumption cursor: a restarted process with the same
// identity picks up where the previous one stopped.
type Factory func(config cfg.CaptureConfiguration, durable string) (Source, error)

var (
	sourceFactories = make(map[cfg.CaptureTransportType]Factory)
	factoryMu       sync.RWMutex
)

// RegisterSource registers a source factory for a transport type
func RegisterSource(transport cfg.CaptureTransportType, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sourceFactories[transport] = factory
}

// New creates a source for the configured transport
func New(config cfg.CaptureConfiguration, durable string) (Source, error) {
	factoryMu.RLock()
	factory, exists := sourceFactories[config.Transport]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown capture transport: %s", config.Transport)
	}

	return factory(config, durable)
}
