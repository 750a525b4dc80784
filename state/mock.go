package state

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store for testing
type MockStore struct {
	mu sync.Mutex

	Pipelines map[int64]*Pipeline
	Sources   map[int64]*Source
	Jobs      map[int64]*BackfillJob

	// Flag write-through calls recorded for assertions
	DestErrors    map[int64]string // pipeline_destination id -> message ("" = cleared)
	RouteErrors   map[int64]string // route id -> message ("" = cleared)
	StatusWrites  []string
	CheckpointLog []Checkpoint

	MaxResume int

	FailWith error
}

// Checkpoint records one SaveCheckpoint call
type Checkpoint struct {
	JobID int64
	Count int64
	PK    string
}

func NewMockStore() *MockStore {
	return &MockStore{
		Pipelines:   make(map[int64]*Pipeline),
		Sources:     make(map[int64]*Source),
		Jobs:        make(map[int64]*BackfillJob),
		DestErrors:  make(map[int64]string),
		RouteErrors: make(map[int64]string),
		MaxResume:   5,
	}
}

func (m *MockStore) ListPipelines(_ context.Context) ([]Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []Pipeline
	for _, p := range m.Pipelines {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MockStore) GetPipeline(_ context.Context, id int64) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	p, ok := m.Pipelines[id]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (m *MockStore) UpdatePipelineStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if p, ok := m.Pipelines[id]; ok {
		p.Status = status
	}
	m.StatusWrites = append(m.StatusWrites, status)
	return nil
}

func (m *MockStore) GetSource(_ context.Context, id int64) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.Sources[id]
	if !ok {
		return nil, nil
	}
	copied := *src
	return &copied, nil
}

func (m *MockStore) SetDestinationError(_ context.Context, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.DestErrors[id] = message
	return nil
}

func (m *MockStore) ClearDestinationError(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.DestErrors[id] = ""
	return nil
}

func (m *MockStore) SetRouteError(_ context.Context, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.RouteErrors[id] = message
	return nil
}

func (m *MockStore) ClearRouteError(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.RouteErrors[id] = ""
	return nil
}

func (m *MockStore) ListJobs(_ context.Context, statuses ...string) ([]BackfillJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	match := func(status string) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if s == status {
				return true
			}
		}
		return false
	}
	var out []BackfillJob
	for _, job := range m.Jobs {
		if match(job.Status) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *MockStore) GetJob(_ context.Context, id int64) (*BackfillJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.Jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (m *MockStore) ClaimJob(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	job, ok := m.Jobs[id]
	if !ok || job.Status != JobPending {
		return false, nil
	}
	job.Status = JobExecuting
	job.ResumeAttempts++
	return true, nil
}

func (m *MockStore) ResetOrphanedJobs(_ context.Context, maxResumeAttempts int) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset, failed := 0, 0
	for _, job := range m.Jobs {
		if job.Status != JobExecuting {
			continue
		}
		if job.ResumeAttempts >= maxResumeAttempts {
			job.Status = JobFailed
			job.ErrorMessage = "resume budget exhausted after process restart"
			failed++
		} else {
			job.Status = JobPending
			reset++
		}
	}
	return reset, failed, nil
}

func (m *MockStore) UpdateJobStatus(_ context.Context, id int64, status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Jobs[id]; ok {
		job.Status = status
		job.ErrorMessage = errorMessage
	}
	return nil
}

func (m *MockStore) SaveCheckpoint(_ context.Context, id int64, countRecord int64, lastPK string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if job, ok := m.Jobs[id]; ok {
		job.CountRecord = countRecord
		job.LastPKValue = lastPK
	}
	m.CheckpointLog = append(m.CheckpointLog, Checkpoint{JobID: id, Count: countRecord, PK: lastPK})
	return nil
}

func (m *MockStore) SetJobTotal(_ context.Context, id int64, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Jobs[id]; ok {
		job.TotalRecord = total
	}
	return nil
}

func (m *MockStore) SetJobPKColumn(_ context.Context, id int64, column string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Jobs[id]; ok {
		job.PKColumn = column
	}
	return nil
}

// JobStatus returns a job's current status without copying the row
func (m *MockStore) JobStatus(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Jobs[id]; ok {
		return job.Status
	}
	return ""
}

// WaitForStatus polls until the pipeline reaches a status or times out
func (m *MockStore) WaitForStatus(id int64, status string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		p, ok := m.Pipelines[id]
		current := ""
		if ok {
			current = p.Status
		}
		m.mu.Unlock()
		if current == status {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
