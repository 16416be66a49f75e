package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/config"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/events"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/materializer"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

const sumPipelineYAML = `
name: summing
steps:
  - name: source
    entrypoint: steps.source
    outputs:
      - name: numbers
  - name: sum
    entrypoint: steps.sum
    inputs:
      numbers:
        step: source
        output: numbers
    outputs:
      - name: total
`

type testServer struct {
	store   *runstore.MemoryStore
	sched   *scheduler.Scheduler
	handler http.Handler
	server  *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := runstore.NewMemoryStore()
	artifacts := dataflow.NewStore("test", dataflow.NewMemoryBackend("artifacts"))
	bus := events.NewMemoryBus(0)

	backend := driver.NewFuncBackend(artifacts, materializer.Default(), nil)
	backend.Register("steps.source", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{"numbers": []interface{}{1.0, 2.0, 3.0}}, nil
	})
	backend.Register("steps.sum", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		total := 0.0
		for _, n := range sc.Inputs["numbers"].([]interface{}) {
			total += n.(float64)
		}
		return map[string]interface{}{"total": total}, nil
	})

	sched := scheduler.New(store, backend, artifacts, bus, nil, nil)
	v, err := validator.New()
	require.NoError(t, err)

	cfg := &config.Config{Server: config.ServerConfig{CORSOrigins: []string{"*"}}}
	h := NewHandlers(store, sched, bus, artifacts, v, cfg, nil)
	srv := NewServer(h)
	t.Cleanup(srv.Close)

	return &testServer{store: store, sched: sched, handler: srv.Router(), server: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// runPipeline registers the summing pipeline, runs it and waits for it.
func (ts *testServer) runPipeline(t *testing.T) *types.PipelineRun {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/pipelines", []byte(sumPipelineYAML))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[types.Pipeline](t, rec)

	body, _ := json.Marshal(SubmitRunRequest{PipelineID: p.ID})
	rec = ts.do(t, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[SubmitRunResponse](t, rec)
	assert.Equal(t, "/api/v1/runs/"+resp.Run.ID+"/events", resp.SSEURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := ts.sched.Wait(ctx, resp.Run.ID)
	require.NoError(t, err)
	return run
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterPipeline(t *testing.T) {
	ts := newTestServer(t)

	t.Run("versions", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/pipelines?owner=ml-team", []byte(sumPipelineYAML))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		first := decode[types.Pipeline](t, rec)
		assert.Equal(t, 1, first.Version)
		assert.Equal(t, "ml-team", first.Owner)

		rec = ts.do(t, http.MethodPost, "/api/v1/pipelines", []byte(sumPipelineYAML))
		require.Equal(t, http.StatusCreated, rec.Code)
		second := decode[types.Pipeline](t, rec)
		assert.Equal(t, 2, second.Version)

		rec = ts.do(t, http.MethodGet, "/api/v1/pipelines?name=summing", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[struct {
			Pipelines []*types.Pipeline `json:"pipelines"`
		}](t, rec)
		require.Len(t, list.Pipelines, 1)
		assert.Equal(t, second.ID, list.Pipelines[0].ID)

		rec = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+first.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid definition", func(t *testing.T) {
		doc := `{"name":"p","steps":[{"name":"a","entrypoint":"x","upstreams":["a"]}]}`
		rec := ts.do(t, http.MethodPost, "/api/v1/pipelines", []byte(doc))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, ErrCodeValidation, resp.Error)
		assert.NotEmpty(t, resp.Details["errors"])
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/pipelines/missing", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, rec).Error)
	})
}

func TestSubmitRunValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{`, http.StatusBadRequest, ErrCodeBadRequest},
		{"neither pipeline nor spec", `{"name":"x"}`, http.StatusUnprocessableEntity, ErrCodeValidation},
		{"unknown pipeline", `{"pipeline_id":"nope"}`, http.StatusNotFound, ErrCodeNotFound},
		{
			"unknown upstream",
			`{"spec":{"name":"p","steps":[{"name":"a","entrypoint":"x","upstreams":["ghost"]}]}}`,
			http.StatusUnprocessableEntity, ErrCodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/runs", []byte(tt.body))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	ts := newTestServer(t)
	run := ts.runPipeline(t)
	require.Equal(t, types.RunStatusCompleted, run.Status)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[scheduler.Summary](t, rec)
	require.Len(t, summary.Steps, 2)
	assert.Equal(t, "source", summary.Steps[0].Name)
	for _, st := range summary.Steps {
		assert.Equal(t, types.StepStatusCompleted, st.Status)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []*types.PipelineRun `json:"runs"`
	}](t, rec)
	assert.Len(t, runs.Runs, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecondRunIsCached(t *testing.T) {
	ts := newTestServer(t)
	first := ts.runPipeline(t)
	require.Equal(t, types.RunStatusCompleted, first.Status)

	second := ts.runPipeline(t)
	assert.Equal(t, types.RunStatusCached, second.Status)
}

func TestStepRunAndArtifactLineage(t *testing.T) {
	ts := newTestServer(t)
	run := ts.runPipeline(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	steps := decode[struct {
		StepRuns []*types.StepRun `json:"step_runs"`
	}](t, rec)
	require.Len(t, steps.StepRuns, 2)

	var sum *types.StepRun
	for _, sr := range steps.StepRuns {
		if sr.Name == "sum" {
			sum = sr
		}
	}
	require.NotNil(t, sum)

	rec = ts.do(t, http.MethodGet, "/api/v1/steps/"+sum.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[StepRunResponse](t, rec)
	require.Contains(t, detail.Inputs, "numbers")
	require.Contains(t, detail.Outputs, "total")
	total := detail.Outputs["total"]

	rec = ts.do(t, http.MethodGet, "/api/v1/artifacts/"+total.ID+"?depth=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lin := decode[runstore.Lineage](t, rec)
	require.NotNil(t, lin.Producer)
	assert.Equal(t, sum.ID, lin.Producer.ID)
	require.Contains(t, lin.Inputs, "numbers")
	assert.Equal(t, "source", lin.Inputs["numbers"].Producer.Name)

	rec = ts.do(t, http.MethodGet, "/api/v1/artifacts/"+total.ID+"?depth=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/artifacts/"+total.ID+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dl := decode[DownloadResponse](t, rec)
	assert.Equal(t, "/api/v1/artifacts/"+total.ID+"/content", dl.URL)
	assert.Nil(t, dl.ExpiresAt)

	rec = ts.do(t, http.MethodGet, dl.URL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "6")

	rec = ts.do(t, http.MethodGet, "/api/v1/artifacts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsReplaysFinishedRun(t *testing.T) {
	ts := newTestServer(t)
	run := ts.runPipeline(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var kinds []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			kinds = append(kinds, name)
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "run_status", kinds[0])
	assert.Equal(t, "stream_end", kinds[len(kinds)-1])
	assert.Contains(t, kinds, "step_status")
	assert.Contains(t, kinds, "artifact")

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-123", decode[ErrorResponse](t, rec).RequestID)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("X-Forwarded-For", "a, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "a")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	unlimited := NewRateLimiter(0, 0)
	defer unlimited.Stop()
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.Allow("a"))
	}
}
