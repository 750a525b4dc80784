package writer

import (
	"context"
	"sync"

	"github.com/sluicedb/sluice/common"
)

// MockWriter is a mock implementation of Writer for testing
type MockWriter struct {
	mu      sync.Mutex
	Batches []MockBatch

	InitErr  error
	WriteErr error
	TestErr  error

	// FailTables makes WriteBatch fail only for the named source tables.
	FailTables map[string]error

	initCalls int
	closed    bool
}

// MockBatch records one WriteBatch call for inspection
type MockBatch struct {
	Route  common.TableSyncRoute
	Events []common.ChangeEvent
}

func (m *MockWriter) Init(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return m.InitErr
}

func (m *MockWriter) WriteBatch(_ context.Context, route common.TableSyncRoute, events []common.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}
	if err, ok := m.FailTables[route.SourceTable]; ok {
		return err
	}

	m.Batches = append(m.Batches, MockBatch{Route: route, Events: events})
	return nil
}

func (m *MockWriter) TestConnection(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TestErr
}

func (m *MockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// InitCalls returns how many times Init ran
func (m *MockWriter) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// Closed reports whether Close was called
func (m *MockWriter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// WrittenEvents flattens all recorded batches for a source table
func (m *MockWriter) WrittenEvents(sourceTable string) []common.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []common.ChangeEvent
	for _, b := range m.Batches {
		if b.Route.SourceTable == sourceTable {
			events = append(events, b.Events...)
		}
	}
	return events
}

// Reset clears all recorded batches
func (m *MockWriter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = nil
}
