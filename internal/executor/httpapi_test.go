package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/logging"
)

const testToken = "test-child-token"

func newTestAPI(t *testing.T) (*API, *Service) {
	t.Helper()
	store := NewJobStore()
	agent := AgentFunc(func(ctx context.Context, dir string, spec JobSpec, emit EmitFunc) error {
		emit(EventJobProgress, TextData("working"))
		return nil
	})
	workspace := t.TempDir()
	runner := NewRunner(store, agent, workspace, logging.Nop())
	differ := NewDiffProvider(workspace)
	service := NewService(store, runner, differ, workspace, logging.Nop())
	return NewAPI(service, testToken, logging.Nop()), service
}

func doRequest(api *API, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestLivenessIsUnauthenticated(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(api, http.MethodGet, "/health/live", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequiredOnAPIRoutes(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doRequest(api, http.MethodPost, "/v1/sessions", "", map[string]string{"sessionId": "s"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(api, http.MethodPost, "/v1/sessions", "wrong-token", map[string]string{"sessionId": "s"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])
}

func TestSessionBinding(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doRequest(api, http.MethodPost, "/v1/sessions", testToken, map[string]string{"sessionId": "s1", "name": "n"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Re-binding the same session is idempotent.
	rec = doRequest(api, http.MethodPost, "/v1/sessions", testToken, map[string]string{"sessionId": "s1"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// A different session is refused.
	rec = doRequest(api, http.MethodPost, "/v1/sessions", testToken, map[string]string{"sessionId": "s2"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_MISMATCH", decodeBody(t, rec)["code"])
}

func TestJobsRequireBoundSession(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doRequest(api, http.MethodPost, "/v1/jobs", testToken,
		JobSpec{Task: "t"}, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_NOT_INITIALIZED", decodeBody(t, rec)["code"])
}

func TestCreateJobAndReplay(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))

	rec := doRequest(api, http.MethodPost, "/v1/jobs", testToken,
		JobSpec{Task: "build it"}, map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["created"])
	jobID := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	// Replay: 200 with created=false and the same job ID.
	rec = doRequest(api, http.MethodPost, "/v1/jobs", testToken,
		JobSpec{Task: "build it"}, map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, jobID, body["jobId"])
}

func TestCreateJobRequiresIdempotencyKey(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))

	rec := doRequest(api, http.MethodPost, "/v1/jobs", testToken, JobSpec{Task: "t"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_IDEMPOTENCY_KEY", decodeBody(t, rec)["code"])
}

func TestCreateJobValidatesBody(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))

	rec := doRequest(api, http.MethodPost, "/v1/jobs", testToken,
		map[string]string{}, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["code"])
}

func TestGetJobAndEvents(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))

	job, _, err := service.SubmitJob("k1", JobSpec{Task: "t"})
	require.NoError(t, err)
	service.runner.Wait()

	rec := doRequest(api, http.MethodGet, "/v1/jobs/"+job.ID, testToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(JobCompleted), decodeBody(t, rec)["state"])

	rec = doRequest(api, http.MethodGet, "/v1/jobs/"+job.ID+"/events?after=-1", testToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	events := body["events"].([]any)
	require.NotEmpty(t, events)
	first := events[0].(map[string]any)
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, EventJobStarted, first["type"])
	assert.Equal(t, float64(len(events)), body["nextAfter"])
}

func TestEventsRejectMalformedCursor(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))
	job, _, err := service.SubmitJob("k1", JobSpec{Task: "t"})
	require.NoError(t, err)

	rec := doRequest(api, http.MethodGet, "/v1/jobs/"+job.ID+"/events?after=banana", testToken, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CURSOR", decodeBody(t, rec)["code"])

	rec = doRequest(api, http.MethodGet, "/v1/jobs/"+job.ID+"/events?limit=-2", testToken, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownJobIs404(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))

	rec := doRequest(api, http.MethodGet, "/v1/jobs/nope", testToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeBody(t, rec)["code"])
}

func TestCancelIsAccepted(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))
	job, _, err := service.SubmitJob("k1", JobSpec{Task: "t"})
	require.NoError(t, err)

	rec := doRequest(api, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", testToken, nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDiffWithoutVersionControl(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))
	job, _, err := service.SubmitJob("k1", JobSpec{Task: "t"})
	require.NoError(t, err)

	service.differ.run = func(ctx context.Context, args ...string) ([]byte, error) {
		if len(args) >= 4 && args[2] == "rev-parse" {
			return nil, errors.New("fatal: not a git repository")
		}
		return nil, nil
	}

	rec := doRequest(api, http.MethodGet, "/v1/jobs/"+job.ID+"/diff", testToken, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_VERSION_CONTROL", decodeBody(t, rec)["code"])
}

func TestDiffReturnsWorkspaceChanges(t *testing.T) {
	api, service := newTestAPI(t)
	require.NoError(t, service.InitSession("s1", "n"))
	job, _, err := service.SubmitJob("k1", JobSpec{Task: "t"})
	require.NoError(t, err)

	service.differ.run = func(ctx context.Context, args ...string) ([]byte, error) {
		if strings.Contains(strings.Join(args, " "), "diff") {
			return []byte("--- a/f\n+++ b/f\n"), nil
		}
		return []byte("true"), nil
	}

	rec := doRequest(api, http.MethodGet, "/v1/jobs/"+job.ID+"/diff", testToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["diff"], "+++ b/f")
}
