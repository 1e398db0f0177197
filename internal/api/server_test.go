package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/dispatch"
	"github.com/meetwise/internal/retrieval"
	"github.com/meetwise/internal/retry"
	"github.com/meetwise/internal/session"
	"github.com/meetwise/internal/tasks"
	"github.com/meetwise/internal/transcript"
)

var meetingStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *session.Session) {
	t.Helper()
	corpus := retrieval.NewMemoryCorpus()
	require.NoError(t, retrieval.Seed(context.Background(), corpus, retrieval.SeedDocuments(meetingStart)))

	cfg := session.Config{
		Ingest:              transcript.Config{GapTimeout: time.Minute},
		Window:              6,
		VisibilityThreshold: 0.5,
		DispatchRetry:       retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		Retrieval:           retrieval.DefaultConfig(),
	}
	s, err := session.New("api-test", cfg, session.SampleBrief(meetingStart), session.Deps{Corpus: corpus, Indexer: corpus}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		if !s.Ended() {
			_, _ = s.Teardown(context.Background())
		}
	})
	return NewServer(0, s, zerolog.Nop()), s
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		apperrors.Validationf("bad"):                     http.StatusBadRequest,
		apperrors.ErrNotFound:                            http.StatusNotFound,
		apperrors.Conflictf("stale"):                     http.StatusConflict,
		transcript.ErrLateSegment:                        http.StatusConflict,
		apperrors.Transitionf("no"):                      http.StatusUnprocessableEntity,
		apperrors.Unavailable("gateway", assert.AnError): http.StatusServiceUnavailable,
		apperrors.ErrClosed:                              http.StatusGone,
		assert.AnError:                                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
}

func TestAdmitSegments(t *testing.T) {
	srv, _ := newTestServer(t)
	first := `{"sequenceId":1,"speakerId":"advisor","text":"Good morning Sarah.","startOffsetMs":0,"endOffsetMs":3000}`

	rec := do(t, srv, http.MethodPost, "/api/v1/segments", first)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", decode[map[string]any](t, rec)["outcome"])

	rec = do(t, srv, http.MethodPost, "/api/v1/segments", first)
	assert.Equal(t, "duplicate", decode[map[string]any](t, rec)["outcome"])

	rec = do(t, srv, http.MethodPost, "/api/v1/segments", `{"sequenceId":1,"speakerId":"advisor","text":"Different words","startOffsetMs":0,"endOffsetMs":3000}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/segments", `{"sequenceId":3,"speakerId":"client","text":"Hello","startOffsetMs":9000,"endOffsetMs":9500}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "buffered", decode[map[string]any](t, rec)["outcome"])

	rec = do(t, srv, http.MethodPost, "/api/v1/segments", `{"sequenceId":2,"speakerId":"client","text":"Hi","startOffsetMs":-5,"endOffsetMs":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/transcript?since=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Items []transcript.Item `json:"items"`
		Next  int               `json:"next"`
	}](t, rec)
	assert.Len(t, body.Items, 1)
	assert.Equal(t, 1, body.Next)

	rec = do(t, srv, http.MethodGet, "/api/v1/transcript?since=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskBoardFlow(t *testing.T) {
	srv, s := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/tasks", `{"description":"Send KYC renewal forms","owner":"Emma Thompson","category":"documentation"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[tasks.Task](t, rec)
	assert.Equal(t, tasks.StatusTodo, task.Status)
	base := "/api/v1/tasks/" + task.ID

	rec = do(t, srv, http.MethodPost, base+"/board", `{"column":"in-progress","expectedVersion":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, base+"/move", `{"from":"in-progress","to":"done","expectedVersion":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, base+"/move", `{"from":"in-progress","to":"todo","expectedVersion":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, srv, http.MethodPost, base+"/move", `{"from":"in-progress","to":"done"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, base+"/move", `{"from":"in-progress","to":"done","expectedVersion":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, base+"/approve", `{"expectedVersion":3}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	dr := decode[dispatch.Record](t, rec)
	assert.Equal(t, dispatch.IdempotencyKey(task.ID, 4), dr.IdempotencyKey)

	require.Eventually(t, func() bool {
		got, err := s.Tasks().Get(context.Background(), task.ID)
		return err == nil && got.Status == tasks.StatusDispatched
	}, 5*time.Second, 5*time.Millisecond)

	rec = do(t, srv, http.MethodGet, "/api/v1/dispatch/"+dr.IdempotencyKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dispatch.Confirmed, decode[dispatch.Record](t, rec).Outcome)

	rec = do(t, srv, http.MethodGet, base+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]tasks.Event](t, rec))

	rec = do(t, srv, http.MethodGet, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, srv, http.MethodPost, "/api/v1/tasks/missing/reject", `{"expectedVersion":1,"reason":"noise"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksHidesLowConfidence(t *testing.T) {
	srv, s := newTestServer(t)
	_, err := s.Admit(context.Background(), transcript.RawSegment{
		SequenceID: 1, SpeakerID: "advisor", Text: "Maybe we should look at rebalancing at some point.", EndOffsetMs: 4000,
	})
	require.NoError(t, err)
	require.NoError(t, s.Settle(context.Background()))

	visible := decode[[]tasks.Task](t, do(t, srv, http.MethodGet, "/api/v1/tasks", ""))
	all := decode[[]tasks.Task](t, do(t, srv, http.MethodGet, "/api/v1/tasks?all=true", ""))
	assert.Len(t, visible, 2)
	assert.Len(t, all, 3)
}

func TestQueryAndDocuments(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/query", `{"text":"tax planning","mode":"live"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[retrieval.Result](t, rec)
	require.NotEmpty(t, res.Entries)
	assert.Equal(t, retrieval.TierCompliance, res.Entries[0].Tier)

	rec = do(t, srv, http.MethodPost, "/api/v1/query", `{"text":"quantum cryptography"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[retrieval.Result](t, rec).NoMatch)

	rec = do(t, srv, http.MethodPost, "/api/v1/query", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/documents", `{"id":"kyc-checklist","sourceLabel":"KYC checklist","content":"Passport and proof of address required.","priorityTier":"compliance"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "compliance", decode[map[string]any](t, rec)["priorityTier"])

	rec = do(t, srv, http.MethodPost, "/api/v1/documents", `{"id":"x","content":"y","priorityTier":"gossip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdvisoriesAndEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/advisories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	prompts := decode[[]map[string]string](t, rec)
	require.NotEmpty(t, prompts)
	assert.Equal(t, "suggestion", prompts[0]["type"])

	rec = do(t, srv, http.MethodGet, "/api/v1/brief", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Quarterly Portfolio Review - Johnson Family", decode[session.Brief](t, rec).Title)

	rec = do(t, srv, http.MethodPost, "/api/v1/session/end", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[session.Report](t, rec)
	assert.False(t, report.PendingDispatches)
	assert.Equal(t, 1, report.Tasks[tasks.StatusTodo])

	rec = do(t, srv, http.MethodPost, "/api/v1/segments", `{"sequenceId":1,"speakerId":"advisor","text":"Late","startOffsetMs":0,"endOffsetMs":1}`)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/session/end", "")
	assert.Equal(t, http.StatusGone, rec.Code)

	assert.Equal(t, "ended", decode[map[string]string](t, do(t, srv, http.MethodGet, "/health", ""))["status"])
}
