package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/me/evalflow/internal/builtin"
	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/config"
	"github.com/me/evalflow/internal/liveness"
	"github.com/me/evalflow/internal/logging"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/internal/scheduler"
	"github.com/me/evalflow/internal/server"
	"github.com/me/evalflow/internal/store"
	"github.com/me/evalflow/pkg/model"
)

// flaky fails the first attempt of the units it names.
type flaky struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (f *flaky) ExecuteStage(_ context.Context, unit *model.BenchmarkConfig, _ *model.FlowStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[unit.Benchmark] {
		f.fail[unit.Benchmark] = false
		return fmt.Errorf("transient failure in %s", unit.Benchmark)
	}
	return nil
}

func dispatchServer(t *testing.T, ids ...string) (*httptest.Server, *server.TokenService) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var units []model.BenchmarkConfig
	for _, id := range ids {
		units = append(units, model.BenchmarkConfig{Benchmark: id, FlowStages: []model.FlowStage{{Stage: "data"}}})
	}
	if err := st.Enqueue(ctx, units); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ts, err := server.NewTokenService("run-test", 0)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	srv := httptest.NewServer(server.New(st, 2, logging.Discard(), server.WithTokenService(ts)))
	t.Cleanup(srv.Close)
	return srv, ts
}

func TestClient_WorkQueueOverHTTP(t *testing.T) {
	srv, ts := dispatchServer(t, "A", "B")
	token, err := ts.GenerateToken("worker-0")
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(srv.URL, token, "worker-0")
	exec := &flaky{fail: map[string]bool{"B": true}}

	loop := scheduler.NewWorkQueue(client, client.Worker(), logging.Discard())
	if err := loop.DoRun(context.Background(), exec); err != nil {
		t.Fatalf("DoRun: %v", err)
	}

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if strings.Join(status.Finished, ",") != "A,B" {
		t.Errorf("finished = %v", status.Finished)
	}
	if len(status.Unfinished) != 0 {
		t.Errorf("unfinished = %v", status.Unfinished)
	}
	if got := status.Allocations["B"]; len(got) != 2 || got[0] != "worker-0" {
		t.Errorf("allocations of B = %v", got)
	}
}

func TestClient_EmptyQueue(t *testing.T) {
	srv, ts := dispatchServer(t)
	token, _ := ts.GenerateToken("worker-0")
	unit, err := NewClient(srv.URL, token, "worker-0").Checkout(context.Background())
	if err != nil || unit != nil {
		t.Errorf("Checkout = %v, %v; want nil, nil", unit, err)
	}
}

func TestClient_Errors(t *testing.T) {
	srv, ts := dispatchServer(t, "A")
	ctx := context.Background()

	var apiErr *model.APIError
	_, err := NewClient(srv.URL, "bogus", "w").Checkout(ctx)
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrUnauthorized {
		t.Errorf("bad token: err = %v", err)
	}

	token, _ := ts.GenerateToken("w")
	err = NewClient(srv.URL, token, "w").Finish(ctx, "missing")
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Errorf("unknown unit: err = %v", err)
	}

	if err := NewClient(srv.URL, token, "w").Enqueue(ctx, nil); !errors.Is(err, ErrEnqueueUnsupported) {
		t.Errorf("Enqueue err = %v", err)
	}
}

func TestNewClientFromEnv(t *testing.T) {
	t.Setenv(scheduler.EnvDispatchURL, "")
	if _, err := NewClientFromEnv("w"); err == nil {
		t.Error("expected error without dispatch URL")
	}
	t.Setenv(scheduler.EnvDispatchURL, "http://127.0.0.1:1")
	t.Setenv(scheduler.EnvDispatchToken, "tok")
	c, err := NewClientFromEnv("w")
	if err != nil {
		t.Fatal(err)
	}
	if c.baseURL != "http://127.0.0.1:1" || c.token != "tok" {
		t.Errorf("client = %+v", c)
	}
}

func TestNewLoop(t *testing.T) {
	t.Setenv(scheduler.EnvDispatchURL, "http://127.0.0.1:1")
	tests := []struct {
		runner  model.RunnerType
		want    string
		wantErr bool
	}{
		{model.RunnerDummy, "scheduler.NoOp", false},
		{model.RunnerLocal, "*scheduler.Sequential", false},
		{model.RunnerDataParallel, "*scheduler.WorkQueue", false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		loop, err := NewLoop(&Snapshot{Eval: model.EvalConfig{Runner: tt.runner}}, "w", logging.Discard())
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.runner)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.runner, err)
		}
		if got := fmt.Sprintf("%T", loop); got != tt.want {
			t.Errorf("%s: loop = %s, want %s", tt.runner, got, tt.want)
		}
	}
}

type failingLoop struct{ err error }

func (l failingLoop) DoRun(context.Context, scheduler.StageExecutor) error { return l.err }

func TestRunner_ReturnsLoopError(t *testing.T) {
	boom := errors.New("boom")
	if err := NewRunner(failingLoop{boom}, &flaky{}, logging.Discard()).Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if err := NewRunner(scheduler.NoOp{}, &flaky{}, logging.Discard()).Run(context.Background()); err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	st := checkpoint.New(t.TempDir(), logging.Discard())
	if _, err := LoadSnapshot(st); err == nil {
		t.Error("expected error for missing snapshot")
	}
	eval := config.DefaultEvalConfig()
	if err := SaveSnapshot(st, &eval, []model.BenchmarkConfig{{Benchmark: "u"}}); err != nil {
		t.Fatal(err)
	}
	snap, err := LoadSnapshot(st)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Eval.Runner != model.RunnerLocal || len(snap.Units) != 1 || snap.Units[0].Benchmark != "u" {
		t.Errorf("snapshot = %+v", snap)
	}
}

const localFlow = `[
  {"stage": "data", "plugin_implement": "SimpleDataProcessor"},
  {"stage": "infer", "plugin_implement": "SimpleInferProcessor",
   "plugins": [{"plugin_implement": "EchoModel"}]},
  {"stage": "metrics", "plugin_implement": "SimpleMetricsProcessor"}
]`

// localRun writes a completed local-runner snapshot for one dataset.
func localRun(t *testing.T) (workDir string) {
	t.Helper()
	dir := t.TempDir()
	workDir = filepath.Join(dir, "work")
	dataset := filepath.Join(dir, "qa.json")
	flow := filepath.Join(dir, "flow.json")
	os.WriteFile(dataset, []byte(`{"examples":[{"input":"2+2","target":"4"},{"input":"hi","target":"hi"}]}`), 0o644)
	os.WriteFile(flow, []byte(localFlow), 0o644)

	eval := config.DefaultEvalConfig()
	eval.WorkDir = workDir
	eval.FlowConfigFile = flow
	eval.DatasetFiles = []string{dataset}
	units, err := config.Units(&eval)
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	c := &config.Completer{Registry: plugin.NewRegistry(builtin.Catalog(), plugin.Env{Logger: logging.Discard()}), Eval: &eval}
	units, err = c.CompleteAll(units)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := SaveSnapshot(checkpoint.New(workDir, logging.Discard()), &eval, units); err != nil {
		t.Fatal(err)
	}
	return workDir
}

func TestMain_LocalRun(t *testing.T) {
	workDir := localRun(t)
	root := t.TempDir()
	cfg := Config{WorkDir: workDir, ParentPID: os.Getpid(), LivenessRoot: root, LogLevel: "error"}
	if err := Main(context.Background(), cfg); err != nil {
		t.Fatalf("Main: %v", err)
	}

	st := checkpoint.New(workDir, logging.Discard())
	state := st.LoadScenarioState("qa")
	if state.Len() != 2 {
		t.Fatalf("request states = %d, want 2", state.Len())
	}
	for _, rs := range state.RequestStates {
		if !rs.Result.HasCompletion() {
			t.Errorf("instance %s has no completion", rs.Instance.ID)
		}
	}
	if len(st.LoadStats("qa")) == 0 {
		t.Error("no stats written")
	}

	recs, err := liveness.ForParent(root, os.Getpid()).Workers()
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %v, %v", recs, err)
	}
	if recs[0].Status != model.WorkerRunning || recs[0].Runner != model.RunnerLocal {
		t.Errorf("record = %+v", recs[0])
	}
	if _, err := os.Stat(filepath.Join(workDir, "logs", logging.FileName)); err != nil {
		t.Errorf("log file: %v", err)
	}
}

func TestMain_RecordsFailure(t *testing.T) {
	root := t.TempDir()
	cfg := Config{WorkDir: t.TempDir(), ParentPID: os.Getpid(), Index: 3, LivenessRoot: root, LogLevel: "error"}
	if err := Main(context.Background(), cfg); err == nil {
		t.Fatal("expected error without snapshot")
	}
	failures, err := liveness.ForParent(root, os.Getpid()).Failures()
	if err != nil || len(failures) != 1 {
		t.Fatalf("failures = %v, %v", failures, err)
	}
	f := failures[0]
	if f.PID != os.Getpid() || !strings.Contains(f.Message, "eval_config.json") || f.Trace == "" {
		t.Errorf("failure = %+v", f)
	}
}

func TestErrorChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", &model.CheckpointIOError{Path: "p", Op: "load", Cause: os.ErrNotExist})
	got := errorChain(err)
	if lines := strings.Split(got, "\n"); len(lines) != 3 {
		t.Errorf("chain = %q", got)
	}
}
