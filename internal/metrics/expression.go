package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/evalflow/internal/expr"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// ExpressionParams configure ExpressionMetrics.
type ExpressionParams struct {
	Params
	Expression    string   `json:"expression" validate:"required"`
	ExpressionLib []string `json:"expression_lib"`
}

// Expression scores each item with a JavaScript formula. The formula sees
// pred (trimmed prediction), raw (untrimmed), refs (correct reference texts),
// options (every reference text), input and id, and must return a number or
// a boolean.
type Expression struct {
	name   string
	src    string
	eval   *expr.Evaluator
	logger *slog.Logger
}

func newExpression(p any, env plugin.Env) (any, error) {
	ep := p.(*ExpressionParams)
	return &Expression{
		name:   ep.MetricsName,
		src:    ep.Expression,
		eval:   expr.NewEvaluator(ep.ExpressionLib),
		logger: env.Logger,
	}, nil
}

// MetricsName implements plugin.Metrics.
func (e *Expression) MetricsName() string {
	return e.name
}

// Evaluate implements plugin.Metrics.
func (e *Expression) Evaluate(ctx context.Context, state *model.ScenarioState) ([]model.Stat, []model.PerInstanceStats, error) {
	agg := model.NewStat(e.name)
	per := make([]model.PerInstanceStats, 0, state.Len())
	for _, rs := range state.RequestStates {
		var refs, options []any
		for _, ref := range rs.Instance.References {
			options = append(options, ref.Output.Text)
			if ref.IsCorrect() {
				refs = append(refs, ref.Output.Text)
			}
		}
		pred := prediction(rs)
		if rs.OutputMapping != nil {
			pred = fetchMapping(pred, rs.OutputMapping)
		}
		score, err := e.eval.EvaluateFloat(ctx, e.src, map[string]any{
			"pred":    pred,
			"raw":     rs.Result.Text(),
			"refs":    refs,
			"options": options,
			"input":   rs.Instance.Input.Text,
			"id":      rs.Instance.ID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("metric %s on instance %s: %w", e.name, rs.Instance.ID, err)
		}
		st := model.NewStat(e.name)
		st.Add(score)
		per = append(per, model.PerInstanceStats{InstanceID: rs.Instance.ID, Stats: []model.Stat{st}})
		agg.Merge(st)
	}
	return []model.Stat{agg}, per, nil
}
