package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/internal/store"
	"github.com/me/evalflow/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder is a StageExecutor that records calls and fails on demand.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  func(unit string, attempt int) bool
	seen  map[string]int
}

func (r *recorder) ExecuteStage(_ context.Context, unit *model.BenchmarkConfig, stage *model.FlowStage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]int{}
	}
	key := unit.Benchmark + "/" + stage.Stage
	r.calls = append(r.calls, key)
	if stage.Stage == unit.FlowStages[0].Stage {
		r.seen[unit.Benchmark]++
	}
	if r.fail != nil && r.fail(unit.Benchmark, r.seen[unit.Benchmark]) {
		return fmt.Errorf("stage %s failed", key)
	}
	return nil
}

func units(defs ...string) []model.BenchmarkConfig {
	var out []model.BenchmarkConfig
	for _, s := range defs {
		id, stages, _ := strings.Cut(s, ":")
		u := model.BenchmarkConfig{Benchmark: id}
		for _, st := range strings.Split(stages, ",") {
			u.FlowStages = append(u.FlowStages, model.FlowStage{Stage: st})
		}
		out = append(out, u)
	}
	return out
}

func memQueue(t *testing.T, us []model.BenchmarkConfig) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := st.Enqueue(ctx, us); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return st
}

func TestLifecycle(t *testing.T) {
	l := newLifecycle(testLogger())
	if l.State() != model.DispatchInitialized {
		t.Fatalf("initial state = %s", l.State())
	}
	if err := l.transition(model.DispatchDraining); err == nil {
		t.Error("Initialized -> Draining should be rejected")
	}
	var terr *model.InvalidTransitionError
	if err := l.transition(model.DispatchDraining); !errors.As(err, &terr) {
		t.Errorf("error type = %T", err)
	}
	for _, next := range []model.DispatchState{model.DispatchDispatching, model.DispatchDraining, model.DispatchDone} {
		if err := l.transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if !l.State().IsTerminal() {
		t.Error("Done should be terminal")
	}
}

func TestSequential_Order(t *testing.T) {
	rec := &recorder{}
	seq := NewSequential(units("u1:data", "u2:data"), testLogger())
	if err := seq.DoRun(context.Background(), rec); err != nil {
		t.Fatalf("DoRun: %v", err)
	}
	want := []string{"u1/data", "u2/data"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
}

func TestSequential_Cursor(t *testing.T) {
	seq := NewSequential(units("a:data,infer", "b:data"), testLogger())
	var got []string
	for {
		u, st, ok := seq.Advance()
		if !ok {
			break
		}
		got = append(got, u.Benchmark+"/"+st.Stage)
	}
	want := []string{"a/data", "a/infer", "b/data"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cursor = %v, want %v", got, want)
	}
	if _, _, ok := seq.Advance(); ok {
		t.Error("exhausted cursor advanced")
	}
}

func TestSequential_StopsOnError(t *testing.T) {
	rec := &recorder{fail: func(unit string, _ int) bool { return unit == "a" }}
	seq := NewSequential(units("a:data,infer", "b:data"), testLogger())
	if err := seq.DoRun(context.Background(), rec); err == nil {
		t.Fatal("expected error")
	}
	if !reflect.DeepEqual(rec.calls, []string{"a/data"}) {
		t.Errorf("calls = %v", rec.calls)
	}
}

func TestSequential_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	if err := NewSequential(units("a:data"), testLogger()).DoRun(ctx, rec); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %v", rec.calls)
	}
}

func runWorkers(t *testing.T, q store.Queue, exec StageExecutor, n int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- NewWorkQueue(q, fmt.Sprintf("w%d", i), testLogger()).DoRun(context.Background(), exec)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("worker: %v", err)
		}
	}
}

func TestWorkQueue_RetrySucceeds(t *testing.T) {
	st := memQueue(t, units("A:data,infer", "B:data,infer", "C:data"))
	rec := &recorder{fail: func(unit string, attempt int) bool { return unit == "B" && attempt == 1 }}
	runWorkers(t, WithBudget(st, 2), rec, 2)

	status, err := st.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	count := 0
	for _, id := range status.Finished {
		if id == "B" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("B finished %d times, want 1 (finished=%v)", count, status.Finished)
	}
	if len(status.Finished) != 3 || len(status.Unfinished) != 0 {
		t.Errorf("status = %+v", status)
	}
	if got := len(status.Allocations["B"]); got != 2 {
		t.Errorf("B allocated %d times, want 2", got)
	}
	if got := len(status.Allocations["A"]); got != 1 {
		t.Errorf("A allocated %d times, want 1", got)
	}
}

func TestWorkQueue_BudgetExhausted(t *testing.T) {
	st := memQueue(t, units("A:data", "B:data"))
	rec := &recorder{fail: func(unit string, _ int) bool { return unit == "B" }}
	runWorkers(t, WithBudget(st, 2), rec, 2)

	status, _ := st.Status(context.Background())
	if !reflect.DeepEqual(status.Unfinished, []string{"B"}) {
		t.Errorf("unfinished = %v", status.Unfinished)
	}
	if got := len(status.Allocations["B"]); got != 2 {
		t.Errorf("B attempted %d times, want 2", got)
	}
	if !strings.Contains(status.Errors["B"], "B/data failed") {
		t.Errorf("last error = %q", status.Errors["B"])
	}
}

func TestWorkQueueDispatcher(t *testing.T) {
	tests := []struct {
		name       string
		failUnfin  bool
		parallel   int
		wantWorker int
		wantErr    bool
	}{
		{"soft failure", false, 4, 2, false},
		{"hard failure", true, 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			d := NewWorkQueueDispatcher(WorkQueueConfig{
				WorkDir:          t.TempDir(),
				RunID:            "run-1",
				Parallelism:      tt.parallel,
				FailOnUnfinished: tt.failUnfin,
			}, units("A:data", "B:data"), testLogger())
			defer d.Close(ctx)

			n, err := d.Start(ctx)
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			if n != tt.wantWorker {
				t.Errorf("workers = %d, want %d", n, tt.wantWorker)
			}
			env, err := d.WorkerEnv(0)
			if err != nil || len(env) != 2 || !strings.HasPrefix(env[0], EnvDispatchURL+"=http://127.0.0.1:") {
				t.Errorf("env = %v, %v", env, err)
			}

			// Worker A finishes, B is never picked up.
			q := WithBudget(d.store, DefaultRetryBudget)
			u, _ := q.Checkout(ctx)
			q.Allocate(ctx, u.Benchmark, "w0")
			q.Finish(ctx, u.Benchmark)

			err = d.PostProcess(ctx)
			var rerr *model.UnitRetryExhaustedError
			if tt.wantErr != errors.As(err, &rerr) {
				t.Fatalf("PostProcess err = %v", err)
			}
			if tt.wantErr && !reflect.DeepEqual(rerr.Units, []string{"B"}) {
				t.Errorf("units = %v", rerr.Units)
			}
			if d.State() != model.DispatchDone {
				t.Errorf("state = %s", d.State())
			}
			if got := d.Status().Finished; !reflect.DeepEqual(got, []string{"A"}) {
				t.Errorf("finished = %v", got)
			}
		})
	}
}

func TestNewDispatcher(t *testing.T) {
	tests := []struct {
		runner model.RunnerType
		want   model.RunnerType
	}{
		{model.RunnerDummy, model.RunnerDummy},
		{model.RunnerLocal, model.RunnerLocal},
		{model.RunnerDataParallel, model.RunnerDataParallel},
	}
	for _, tt := range tests {
		cfg := &model.EvalConfig{Runner: tt.runner, WorkDir: t.TempDir(), DataParallel: 2}
		if got := NewDispatcher(cfg, nil, "r", testLogger()).Kind(); got != tt.want {
			t.Errorf("runner %s: kind = %s", tt.runner, got)
		}
	}
}

func TestLocalAndDryRunDispatchers(t *testing.T) {
	ctx := context.Background()
	for _, d := range []Dispatcher{NewLocalDispatcher(units("a:data"), testLogger()), NewDryRunDispatcher(testLogger())} {
		n, err := d.Start(ctx)
		if err != nil || n != 1 {
			t.Errorf("%s: start = %d, %v", d.Kind(), n, err)
		}
		if _, err := d.Start(ctx); err == nil {
			t.Errorf("%s: second start accepted", d.Kind())
		}
		if err := d.PostProcess(ctx); err != nil {
			t.Errorf("%s: post process: %v", d.Kind(), err)
		}
		if d.State() != model.DispatchDone {
			t.Errorf("%s: state = %s", d.Kind(), d.State())
		}
	}
	if err := (NoOp{}).DoRun(ctx, &recorder{}); err != nil {
		t.Errorf("noop: %v", err)
	}
}

// probeStage is a stage without steps that counts its runs.
type probeStage struct {
	plugin.StageBase
	runs *int
}

func (p *probeStage) Steps() []plugin.Role                         { return nil }
func (p *probeStage) CacheAvailable(context.Context) (bool, error) { return *p.runs > 0, nil }
func (p *probeStage) Process(context.Context, *plugin.StageContext) error {
	*p.runs++
	return nil
}

func TestPluginExecutor(t *testing.T) {
	runs := 0
	var gotParams plugin.StageParams
	cat := plugin.NewCatalog()
	cat.MustRegister(plugin.Definition{
		Name: "ProbeStage", Role: plugin.RoleDataStage, Location: "test",
		Params: func() any { p := plugin.DefaultStageParams(); return &p },
		New: func(p any, _ plugin.Env) (any, error) {
			gotParams = *p.(*plugin.StageParams)
			return &probeStage{StageBase: plugin.StageBase{Params: gotParams}, runs: &runs}, nil
		},
	})
	reg := plugin.NewRegistry(cat, plugin.Env{Logger: testLogger()})
	exec := &PluginExecutor{Registry: reg, Store: checkpoint.New(t.TempDir(), testLogger()), Logger: testLogger()}

	unit := &model.BenchmarkConfig{Benchmark: "u1"}
	stage := &model.FlowStage{
		Stage:           "data",
		PluginType:      string(plugin.RoleDataStage),
		PluginImplement: "ProbeStage",
		ContextParams:   model.ContextParams{"benchmark_id": "u1", "use_cache": true},
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := exec.ExecuteStage(ctx, unit, stage); err != nil {
			t.Fatalf("execute #%d: %v", i, err)
		}
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1 (second run is a cache hit)", runs)
	}
	if gotParams.BenchmarkID != "u1" {
		t.Errorf("params = %+v", gotParams)
	}

	stage.ContextParams["use_cache"] = false
	if err := exec.ExecuteStage(ctx, unit, stage); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if runs != 2 {
		t.Errorf("runs = %d, want 2 once caching is disabled", runs)
	}

	stage.PluginImplement = "Missing"
	var perr *model.PluginError
	if err := exec.ExecuteStage(ctx, unit, stage); !errors.As(err, &perr) {
		t.Errorf("err = %v, want PluginError", err)
	}
}
