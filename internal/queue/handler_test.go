package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDrainTrigger struct {
	summary *Summary
	err     error
	calls   int
}

func (m *mockDrainTrigger) Drain(context.Context) (*Summary, error) {
	m.calls++
	return m.summary, m.err
}

type handlerFixture struct {
	emailStore   *mockStore
	webhookStore *mockStore
	emailDrain   *mockDrainTrigger
	webhookDrain *mockDrainTrigger
	router       *chi.Mux
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		emailStore:   newMockStore(),
		webhookStore: newMockStore(),
		emailDrain:   &mockDrainTrigger{summary: &Summary{}},
		webhookDrain: &mockDrainTrigger{summary: &Summary{}},
	}
	handler := NewHandler(f.emailStore, f.webhookStore, f.emailDrain, f.webhookDrain)
	f.router = chi.NewRouter()
	handler.RegisterRoutes(f.router)
	return f
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueEmail_CreatesItem(t *testing.T) {
	f := newHandlerFixture()

	rec := f.do(http.MethodPost, "/queues/email",
		`{"to":"alice@example.com","subject":"hi","body":"hello"}`)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])

	item := f.emailStore.get(resp["id"])
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 3, item.MaxAttempts, "default attempt budget")
}

func TestEnqueueEmail_HonorsMaxAttempts(t *testing.T) {
	f := newHandlerFixture()

	rec := f.do(http.MethodPost, "/queues/email",
		`{"to":"alice@example.com","subject":"hi","body":"hello","max_attempts":7}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 7, f.emailStore.get(resp["id"]).MaxAttempts)
}

func TestEnqueueEmail_ValidatesBody(t *testing.T) {
	f := newHandlerFixture()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing recipient", `{"subject":"hi","body":"hello"}`},
		{"bad email address", `{"to":"not-an-email","subject":"hi","body":"hello"}`},
		{"missing body", `{"to":"alice@example.com","subject":"hi"}`},
		{"attempts out of range", `{"to":"alice@example.com","subject":"hi","body":"b","max_attempts":50}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/queues/email", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTriggerDrain_ReturnsSummary(t *testing.T) {
	f := newHandlerFixture()
	f.webhookDrain.summary = &Summary{Processed: 2, Failed: 1, RateLimited: 1, Total: 4}

	rec := f.do(http.MethodPost, "/queues/webhook-retries/drain", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"processed":2,"failed":1,"rate_limited":1,"total":4}`, rec.Body.String())
	assert.Equal(t, 1, f.webhookDrain.calls)
	assert.Equal(t, 0, f.emailDrain.calls)
}

func TestTriggerDrain_UnknownKind(t *testing.T) {
	f := newHandlerFixture()

	rec := f.do(http.MethodPost, "/queues/carrier-pigeon/drain", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerDrain_Failure(t *testing.T) {
	f := newHandlerFixture()
	f.emailDrain.err = errors.New("db unavailable")

	rec := f.do(http.MethodPost, "/queues/email/drain", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetStats(t *testing.T) {
	f := newHandlerFixture()
	id := f.emailStore.add(EmailPayload{To: "a@example.com"}, 3)
	f.emailStore.mu.Lock()
	f.emailStore.items[id].Status = StatusDeadLetter
	f.emailStore.mu.Unlock()
	f.emailStore.add(EmailPayload{To: "b@example.com"}, 3)

	rec := f.do(http.MethodGet, "/queues/email/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":1,"processing":0,"completed":0,"dead_letter":1}`, rec.Body.String())
}

func TestRequeueDeadLetter(t *testing.T) {
	f := newHandlerFixture()
	id := f.emailStore.add(EmailPayload{To: "a@example.com"}, 2)
	f.emailStore.mu.Lock()
	f.emailStore.items[id].Status = StatusDeadLetter
	f.emailStore.items[id].Attempts = 2
	f.emailStore.mu.Unlock()

	rec := f.do(http.MethodPost, "/queues/email/dead-letters/"+id+"/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)

	item := f.emailStore.get(id)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
}

func TestRequeueDeadLetter_Errors(t *testing.T) {
	f := newHandlerFixture()
	pending := f.emailStore.add(EmailPayload{To: "a@example.com"}, 2)

	rec := f.do(http.MethodPost, "/queues/email/dead-letters/missing/requeue", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/queues/email/dead-letters/"+pending+"/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "only dead-lettered items can be requeued")
}

func TestListDeadLetters(t *testing.T) {
	f := newHandlerFixture()

	rec := f.do(http.MethodGet, "/queues/webhook-retries/dead-letters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/queues/webhook-retries/dead-letters?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeadLetters_ReturnsItems(t *testing.T) {
	f := newHandlerFixture()
	store := f.webhookStore
	store.mu.Lock()
	now := time.Now()
	store.items["dl-1"] = &Item{
		ID:          "dl-1",
		Payload:     json.RawMessage(`{"type":"fulfillment.dispatch"}`),
		Status:      StatusDeadLetter,
		Attempts:    5,
		MaxAttempts: 5,
		LastError:   "fulfillment returned status 503",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	store.mu.Unlock()

	rec := f.do(http.MethodGet, "/queues/webhook-retries/dead-letters", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items []deadLetterItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "dl-1", resp.Items[0].ID)
	assert.Equal(t, 5, resp.Items[0].Attempts)
	assert.Contains(t, resp.Items[0].LastError, "503")
}
