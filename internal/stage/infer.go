package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/logging"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// InferParams configure both inference stages.
type InferParams struct {
	plugin.StageParams
	Concurrency             int     `json:"concurrency" validate:"gte=1"`
	CacheUpdateInterval     int     `json:"cache_update_interval" validate:"gte=1"`
	CacheUpdateTimeInterval float64 `json:"cache_update_time_interval" validate:"gte=0"`
}

func inferParams() any {
	return &InferParams{
		StageParams:             plugin.DefaultStageParams(),
		Concurrency:             10,
		CacheUpdateInterval:     10,
		CacheUpdateTimeInterval: 30,
	}
}

// pass selects the items an inference stage works on and the steps it uses.
type pass struct {
	name string
	// done reports whether the item already holds this pass's output.
	done func(rs *model.RequestState) bool
	// eligible reports whether the item can run in this pass at all.
	eligible func(rs *model.RequestState) bool
	// marker, when set, restricts step selection to configured names
	// containing it.
	marker string
}

var predictionPass = pass{
	name:     "infer",
	done:     func(rs *model.RequestState) bool { return rs.Result.HasCompletion() },
	eligible: func(*model.RequestState) bool { return true },
}

var scorePass = pass{
	name:     "score",
	done:     func(rs *model.RequestState) bool { return rs.ModelScoreResult.HasCompletion() },
	eligible: func(rs *model.RequestState) bool { return rs.Result.HasCompletion() },
	marker:   "Score",
}

// Infer runs every pending item of a unit through the agent with a bounded
// number of concurrent model calls.
type Infer struct {
	plugin.StageBase
	params InferParams
	pass   pass
	store  *checkpoint.Store
}

func newInfer(p *InferParams, env plugin.Env, ps pass) *Infer {
	return &Infer{
		StageBase: plugin.StageBase{Params: p.StageParams},
		params:    *p,
		pass:      ps,
		store:     env.Checkpoints,
	}
}

// Steps implements plugin.Stage.
func (s *Infer) Steps() []plugin.Role {
	return []plugin.Role{plugin.RoleLoadModel, plugin.RoleAgent}
}

// CacheAvailable reports whether every eligible item holds its output.
func (s *Infer) CacheAvailable(context.Context) (bool, error) {
	state := s.store.LoadScenarioState(s.UnitID())
	if state.Len() == 0 {
		return false, nil
	}
	for _, rs := range state.RequestStates {
		if s.pass.eligible(rs) && !s.pass.done(rs) {
			return false, nil
		}
	}
	return true, nil
}

// selectStep constructs the step of role for this pass. A marker pass picks
// the first configured name containing the marker, falling back to the
// catalog's "<marker><default>" name.
func (s *Infer) selectStep(reg *plugin.Registry, role plugin.Role) (any, error) {
	if s.pass.marker == "" {
		def, err := reg.ClassByRole(role)
		if err != nil {
			return nil, err
		}
		return reg.Construct(def.Name, nil)
	}
	for _, n := range reg.ConfiguredNames(role) {
		if strings.Contains(n, s.pass.marker) {
			return reg.Construct(n, nil)
		}
	}
	for _, n := range reg.Catalog().Names(role) {
		if strings.Contains(n, s.pass.marker) {
			return reg.Construct(n, nil)
		}
	}
	return nil, &model.PluginError{Kind: model.PluginNotFound, Name: s.pass.marker + "*", Role: string(role)}
}

// Process implements plugin.Stage. Item failures are logged and counted and
// never stop the other items. Progress is flushed every
// cache_update_interval completions or cache_update_time_interval seconds,
// and once more at the end.
func (s *Infer) Process(ctx context.Context, sc *plugin.StageContext) error {
	state, err := loadState(sc.Store, sc.UnitID)
	if err != nil {
		return err
	}

	execInst, err := s.selectStep(sc.Registry, plugin.RoleLoadModel)
	if err != nil {
		return err
	}
	exec, ok := execInst.(plugin.ModelExecutor)
	if !ok {
		return &model.PluginError{Kind: model.PluginWrongRole, Name: fmt.Sprintf("%T", execInst), Role: string(plugin.RoleLoadModel)}
	}
	if c, ok := exec.(io.Closer); ok {
		defer c.Close()
	}
	agentInst, err := s.selectStep(sc.Registry, plugin.RoleAgent)
	if err != nil {
		return err
	}
	agent, ok := agentInst.(plugin.Agent)
	if !ok {
		return &model.PluginError{Kind: model.PluginWrongRole, Name: fmt.Sprintf("%T", agentInst), Role: string(plugin.RoleAgent)}
	}

	var pending []int
	for i, rs := range state.RequestStates {
		if !s.pass.eligible(rs) {
			continue
		}
		if s.UseCache() && s.pass.done(rs) {
			continue
		}
		pending = append(pending, i)
	}
	logger := sc.Logger.With("pass", s.pass.name)
	logger.Info("inference started", "items", state.Len(), "pending", len(pending), "concurrency", s.params.Concurrency)

	f := &flusher{
		state:    state,
		store:    sc.Store,
		unitID:   sc.UnitID,
		every:    s.params.CacheUpdateInterval,
		interval: time.Duration(s.params.CacheUpdateTimeInterval * float64(time.Second)),
		last:     time.Now(),
		logger:   logger,
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(s.params.Concurrency)
	for _, idx := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			item := *state.RequestStates[idx]
			out, err := agent.Run(ctx, exec, &item)
			if err != nil {
				f.fail(idx, err)
				return nil
			}
			f.complete(idx, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := f.flush(); err != nil {
		return err
	}
	logger.Info("inference finished",
		"completed", f.completed,
		"failed", f.failed,
		logging.Elapsed(start))
	if f.failed > 0 {
		logger.Warn("some items failed and will be retried on the next run", "failed", f.failed)
	}
	return ctx.Err()
}

// flusher writes results back at their original index and saves the state
// periodically. Its mutex serializes write-back with serialization.
type flusher struct {
	mu        sync.Mutex
	state     *model.ScenarioState
	store     *checkpoint.Store
	unitID    string
	every     int
	interval  time.Duration
	last      time.Time
	completed int
	failed    int
	saves     int
	logger    *slog.Logger
}

func (f *flusher) complete(idx int, rs *model.RequestState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.RequestStates[idx] = rs
	f.completed++
	if f.completed%f.every == 0 || (f.interval > 0 && time.Since(f.last) >= f.interval) {
		if err := f.saveLocked(); err != nil {
			f.logger.Error("checkpoint flush failed", "error", err)
		}
	}
}

func (f *flusher) fail(idx int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
	f.logger.Error("item failed", "index", idx, "instance", f.state.RequestStates[idx].Instance.ID, "error", err)
}

func (f *flusher) flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked()
}

func (f *flusher) saveLocked() error {
	if err := f.store.SaveScenarioState(f.state, f.unitID); err != nil {
		return err
	}
	f.saves++
	f.last = time.Now()
	f.logger.Debug("checkpoint flushed", "completed", f.completed, "saves", f.saves)
	return nil
}
