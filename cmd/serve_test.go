package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prep-cli/internal/credit"
	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/pipeline"
	"github.com/sells-group/prep-cli/internal/store"
)

type researchFunc func(ctx context.Context, meetingID string) (*model.PrepNote, error)

func (f researchFunc) ResearchMeeting(ctx context.Context, meetingID string) (*model.PrepNote, error) {
	return f(ctx, meetingID)
}

func newTestAPI(t *testing.T, researcher meetingResearcher) (*api, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	m := metrics.New()
	ledger := store.NewCreditLedger(st)
	return &api{
		researcher: researcher,
		store:      st,
		credits:    ledger,
		guard:      credit.NewGuard(ledger, credit.PolicyAllow, m),
		metrics:    m,
	}, st
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	h := newRouter(a, []string{"*"})

	rr := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_HealthStoreDown(t *testing.T) {
	a, st := newTestAPI(t, nil)
	require.NoError(t, st.Close())

	rr := do(t, newRouter(a, nil), http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_ResearchMeeting(t *testing.T) {
	var gotID string
	a, _ := newTestAPI(t, researchFunc(func(_ context.Context, id string) (*model.PrepNote, error) {
		gotID = id
		return &model.PrepNote{ID: "n1", MeetingID: id, Summary: "Prep for \"Intro\"", TalkingPoints: []string{}}, nil
	}))

	rr := do(t, newRouter(a, nil), http.MethodPost, "/meetings/m1/research")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "m1", gotID)

	var note model.PrepNote
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &note))
	assert.Equal(t, "n1", note.ID)
	assert.Equal(t, "m1", note.MeetingID)
}

func TestRouter_ResearchMeetingErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", eris.Wrapf(pipeline.ErrMeetingNotFound, "meeting %s", "m1"), http.StatusNotFound},
		{"persistence", &pipeline.PersistenceError{MeetingID: "m1", Step: "save prep note", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
		{"other", eris.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAPI(t, researchFunc(func(context.Context, string) (*model.PrepNote, error) {
				return nil, tt.err
			}))
			rr := do(t, newRouter(a, nil), http.MethodPost, "/meetings/m1/research")
			assert.Equal(t, tt.code, rr.Code)
			assert.Contains(t, rr.Body.String(), "error")
		})
	}
}

func TestRouter_PrepNote(t *testing.T) {
	a, st := newTestAPI(t, nil)
	h := newRouter(a, nil)
	ctx := context.Background()

	rr := do(t, h, http.MethodGet, "/meetings/m1/prep-note")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, st.SaveMeeting(ctx, &model.Meeting{ID: "m1", UserID: "u1", Title: "Intro", Status: model.MeetingStatusPending}))
	require.NoError(t, st.UpsertPrepNote(ctx, &model.PrepNote{MeetingID: "m1", UserID: "u1", Summary: "hello"}))

	rr = do(t, h, http.MethodGet, "/meetings/m1/prep-note")
	require.Equal(t, http.StatusOK, rr.Code)
	var note model.PrepNote
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &note))
	assert.Equal(t, "hello", note.Summary)
}

func TestRouter_UsageEmpty(t *testing.T) {
	a, _ := newTestAPI(t, nil)

	rr := do(t, newRouter(a, nil), http.MethodGet, "/meetings/m1/usage")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestRouter_UserCredits(t *testing.T) {
	a, st := newTestAPI(t, nil)
	h := newRouter(a, nil)
	_, err := st.GrantCredits(context.Background(), "u1", 10)
	require.NoError(t, err)

	rr := do(t, h, http.MethodGet, "/users/u1/credits")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "u1", body["user_id"])
	assert.InDelta(t, 10.0, body["balance"], 1e-9)
	assert.NotContains(t, body, "allowed")

	rr = do(t, h, http.MethodGet, "/users/u1/credits?needed=3.6")
	require.Equal(t, http.StatusOK, rr.Code)
	body = map[string]any{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["allowed"])

	rr = do(t, h, http.MethodGet, "/users/u1/credits?needed=12")
	require.Equal(t, http.StatusOK, rr.Code)
	body = map[string]any{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, false, body["allowed"])

	for _, needed := range []string{"lots", "-1", "NaN", "Inf", "-Inf"} {
		rr = do(t, h, http.MethodGet, "/users/u1/credits?needed="+needed)
		assert.Equalf(t, http.StatusBadRequest, rr.Code, "needed=%s", needed)
	}
}

func TestRouter_MetricsAndCORS(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	h := newRouter(a, []string{"*"})

	do(t, h, http.MethodGet, "/health")

	rr := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `prep_http_requests_total{method="GET",path_pattern="/health",status_code="200"} 1`)

	req := httptest.NewRequest(http.MethodOptions, "/meetings/m1/research", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	pre := httptest.NewRecorder()
	h.ServeHTTP(pre, req)
	assert.Equal(t, "*", pre.Header().Get("Access-Control-Allow-Origin"))
}
