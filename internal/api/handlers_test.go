package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/admission"
	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/guard"
)

type mockSubmitter struct {
	err error
}

func (m *mockSubmitter) Submit(_ context.Context, req admission.SubmitRequest) (*domain.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Job{
		ID:       uuid.NewString(),
		TenantID: req.TenantID,
		Type:     req.Type,
		Status:   domain.StatusPending,
	}, nil
}

type mockStore struct {
	jobs        map[string]*domain.Job
	deadLetters []*domain.DeadLetterRecord
	requeueErr  error
	archived    int64
	purged      int64
}

func newStoreMock() *mockStore {
	return &mockStore{jobs: make(map[string]*domain.Job)}
}

func (m *mockStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (m *mockStore) ListJobs(_ context.Context, tenant string, _, _ int) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range m.jobs {
		if j.TenantID == tenant {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *mockStore) StatusCounts(context.Context, string) (map[domain.Status]int64, error) {
	counts := make(map[domain.Status]int64)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *mockStore) ListDeadLetters(context.Context, string, int, int) ([]*domain.DeadLetterRecord, error) {
	return m.deadLetters, nil
}

func (m *mockStore) RequeueDeadLetter(_ context.Context, jobID string) (*domain.Job, error) {
	if m.requeueErr != nil {
		return nil, m.requeueErr
	}
	j, ok := m.jobs[jobID]
	if !ok || j.Status != domain.StatusDeadLetter {
		return nil, domain.ErrConflict
	}
	j.Status = domain.StatusPending
	j.RetryCount = 0
	return j, nil
}

func (m *mockStore) ArchiveOlderThan(context.Context, time.Time) (int64, error) {
	return m.archived, nil
}

func (m *mockStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return m.purged, nil
}

type mockBroker struct {
	mu      sync.Mutex
	pushed  []string
	tenants []string
}

func (m *mockBroker) Push(_ context.Context, _, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, jobID)
	return nil
}

func (m *mockBroker) RegisterTenant(_ context.Context, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants = append(m.tenants, tenant)
	return nil
}

type apiRig struct {
	submitter *mockSubmitter
	store     *mockStore
	broker    *mockBroker
	srv       *httptest.Server
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	submitter := &mockSubmitter{}
	store := newStoreMock()
	broker := &mockBroker{}
	h := NewHandlers(submitter, store, broker, nil, guard.Policy{}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, zap.NewNop()))
	t.Cleanup(srv.Close)
	return &apiRig{submitter: submitter, store: store, broker: broker, srv: srv}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmitJob_Accepted(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.srv.URL+"/v1/jobs", map[string]any{
		"tenant_id":  "t1",
		"type":       "inference",
		"input_data": map[string]string{"prompt": "hello"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job domain.Job
	decodeBody(t, resp, &job)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.StatusPending, job.Status)
}

func TestSubmitJob_MissingFields(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.srv.URL+"/v1/jobs", map[string]any{"type": "inference"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitJob_MalformedBody(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Post(rig.srv.URL+"/v1/jobs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitJob_BacklogRejection(t *testing.T) {
	rig := newAPIRig(t)
	rig.submitter.err = &domain.BacklogError{
		TenantID: "t1", Backlog: 100, Limit: 100, RetryAfter: 5 * time.Second,
	}

	resp := postJSON(t, rig.srv.URL+"/v1/jobs", map[string]any{"tenant_id": "t1", "type": "echo"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestSubmitJob_GuardUnavailable(t *testing.T) {
	rig := newAPIRig(t)
	rig.submitter.err = domain.ErrGuardUnavailable

	resp := postJSON(t, rig.srv.URL+"/v1/jobs", map[string]any{"tenant_id": "t1", "type": "echo"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	rig := newAPIRig(t)
	rig.store.jobs["j1"] = &domain.Job{ID: "j1", TenantID: "t1", Status: domain.StatusCompleted}

	resp, err := http.Get(rig.srv.URL + "/v1/jobs/j1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job domain.Job
	decodeBody(t, resp, &job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, domain.StatusCompleted, job.Status)
}

func TestGetJob_NotFound(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.srv.URL + "/v1/jobs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs_RequiresTenant(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.srv.URL + "/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListJobs_FiltersByTenant(t *testing.T) {
	rig := newAPIRig(t)
	rig.store.jobs["j1"] = &domain.Job{ID: "j1", TenantID: "t1"}
	rig.store.jobs["j2"] = &domain.Job{ID: "j2", TenantID: "t2"}

	resp, err := http.Get(rig.srv.URL + "/v1/jobs?tenant_id=t1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "j1", out.Jobs[0].ID)
}

func TestRequeueDeadLetter(t *testing.T) {
	rig := newAPIRig(t)
	rig.store.jobs["j1"] = &domain.Job{ID: "j1", TenantID: "t1", Status: domain.StatusDeadLetter, RetryCount: 3}

	resp := postJSON(t, rig.srv.URL+"/v1/admin/dead-letters/j1/requeue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job domain.Job
	decodeBody(t, resp, &job)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, []string{"j1"}, rig.broker.pushed)
	assert.Equal(t, []string{"t1"}, rig.broker.tenants)
}

func TestRequeueDeadLetter_NotDeadLettered(t *testing.T) {
	rig := newAPIRig(t)
	rig.store.jobs["j1"] = &domain.Job{ID: "j1", TenantID: "t1", Status: domain.StatusCompleted}

	resp := postJSON(t, rig.srv.URL+"/v1/admin/dead-letters/j1/requeue", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, rig.broker.pushed)
}

func TestRetention(t *testing.T) {
	rig := newAPIRig(t)
	rig.store.archived = 12
	rig.store.purged = 3

	resp := postJSON(t, rig.srv.URL+"/v1/admin/retention", map[string]int{"older_than_hours": 24})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int64
	decodeBody(t, resp, &out)
	assert.Equal(t, int64(12), out["archived"])
	assert.Equal(t, int64(3), out["purged"])
}

func TestRetention_RejectsNonPositiveCutoff(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.srv.URL+"/v1/admin/retention", map[string]int{"older_than_hours": 0})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
