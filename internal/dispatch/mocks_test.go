package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hatchq/hatchq/internal/domain"
)

// mockStore is an in-memory Store that enforces the same conditional
// transitions as the Postgres implementation.
type mockStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	deadLetters []*domain.DeadLetterRecord
}

func newMockStore(jobs ...*domain.Job) *mockStore {
	m := &mockStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *mockStore) get(id string) *domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

func (m *mockStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockStore) MarkProcessing(_ context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.StatusPending {
		return domain.ErrConflict
	}
	j.Status = domain.StatusProcessing
	j.WorkerID = &workerID
	now := time.Now()
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *mockStore) MarkCompleted(_ context.Context, id, workerID string, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.StatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		return domain.ErrConflict
	}
	j.Status = domain.StatusCompleted
	j.OutputData = output
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *mockStore) MarkRetrying(_ context.Context, id string, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.StatusProcessing {
		return domain.ErrConflict
	}
	j.Status = domain.StatusRetrying
	j.RetryCount = retryCount
	j.ErrorMessage = &errMsg
	j.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) DeadLetter(_ context.Context, job *domain.Job, errMsg string) (*domain.DeadLetterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok || j.Status != domain.StatusProcessing {
		return nil, domain.ErrConflict
	}
	j.Status = domain.StatusDeadLetter
	j.ErrorMessage = &errMsg
	j.UpdatedAt = time.Now()
	rec := &domain.DeadLetterRecord{
		ID:            uuid.NewString(),
		OriginalJobID: j.ID,
		TenantID:      j.TenantID,
		Type:          j.Type,
		InputData:     j.InputData,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		ErrorMessage:  errMsg,
		FailedAt:      time.Now(),
	}
	m.deadLetters = append(m.deadLetters, rec)
	return rec, nil
}

// mockPublisher records published status events.
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (m *mockPublisher) PublishStatus(_ context.Context, ev domain.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) statuses() []domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Status, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Status)
	}
	return out
}
