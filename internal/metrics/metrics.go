// Package metrics scores inference results.
package metrics

import (
	"context"
	"log/slog"
	"strings"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

const location = "github.com/me/evalflow/internal/metrics"

// Params configure every metric.
type Params struct {
	plugin.BaseParams
	MetricsName string `json:"metrics_name"`
}

// Register adds the metric implementations to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "QuasiPrefixExactMatchMetrics",
		Role:     plugin.RoleMetrics,
		Location: location,
		Params:   func() any { return &Params{MetricsName: "quasi_prefix_exact_match"} },
		New: func(p any, env plugin.Env) (any, error) {
			return &Matcher{name: p.(*Params).MetricsName, score: quasiPrefixExactMatch, logger: env.Logger}, nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "ExactMatchMetrics",
		Role:     plugin.RoleMetrics,
		Location: location,
		Params:   func() any { return &Params{MetricsName: "exact_match"} },
		New: func(p any, env plugin.Env) (any, error) {
			return &Matcher{name: p.(*Params).MetricsName, score: normalizedExactMatch, logger: env.Logger}, nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "ExpressionMetrics",
		Role:     plugin.RoleMetrics,
		Location: location,
		Params:   func() any { return &ExpressionParams{Params: Params{MetricsName: "expression"}} },
		New:      newExpression,
	})
	c.MustRegister(plugin.Definition{
		Name:     "ModelScoreMetrics",
		Role:     plugin.RoleMetrics,
		Location: location,
		Params:   func() any { return &ModelScoreParams{Params: Params{MetricsName: "model_score"}, ScoreMax: 10} },
		New: func(p any, env plugin.Env) (any, error) {
			mp := p.(*ModelScoreParams)
			return &ModelScore{name: mp.MetricsName, max: mp.ScoreMax, logger: env.Logger}, nil
		},
	})
}

// scoreFunc compares one gold answer with a prediction.
type scoreFunc func(gold, pred string) float64

// Matcher scores every item by its best match against the correct references.
type Matcher struct {
	name   string
	score  scoreFunc
	logger *slog.Logger
}

// MetricsName implements plugin.Metrics.
func (m *Matcher) MetricsName() string {
	return m.name
}

// Evaluate implements plugin.Metrics. Items with an output mapping are
// mapped back to option text and compared exactly, so "1" never matches "10".
func (m *Matcher) Evaluate(_ context.Context, state *model.ScenarioState) ([]model.Stat, []model.PerInstanceStats, error) {
	agg := model.NewStat(m.name)
	per := make([]model.PerInstanceStats, 0, state.Len())
	for _, rs := range state.RequestStates {
		golds := rs.Instance.CorrectReferences()
		if len(golds) == 0 {
			m.logger.Error("instance has no correct reference", "instance", rs.Instance.ID)
		}
		pred := prediction(rs)

		score := m.score
		if rs.OutputMapping != nil {
			pred = fetchMapping(pred, rs.OutputMapping)
			score = exactMatch
		}
		best := 0.0
		for _, g := range golds {
			if s := score(g.Output.Text, pred); s > best {
				best = s
			}
		}

		st := model.NewStat(m.name)
		st.Add(best)
		per = append(per, model.PerInstanceStats{InstanceID: rs.Instance.ID, Stats: []model.Stat{st}})
		agg.Merge(st)
	}
	return []model.Stat{agg}, per, nil
}

const asciiPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// prediction returns the trimmed first completion, or "" without a result.
func prediction(rs *model.RequestState) string {
	return strings.TrimSpace(rs.Result.Text())
}

// NormalizeText lowercases text, drops ASCII punctuation and collapses
// whitespace.
func NormalizeText(text string) string {
	text = strings.ToLower(text)
	text = strings.Map(func(r rune) rune {
		if strings.ContainsRune(asciiPunctuation, r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func quasiPrefixExactMatch(gold, pred string) float64 {
	if pred == "" || gold == "" {
		return 0
	}
	if strings.HasPrefix(NormalizeText(pred), NormalizeText(gold)) {
		return 1
	}
	return 0
}

func normalizedExactMatch(gold, pred string) float64 {
	if pred == "" || gold == "" {
		return 0
	}
	if NormalizeText(pred) == NormalizeText(gold) {
		return 1
	}
	return 0
}

func exactMatch(gold, pred string) float64 {
	if pred == "" || gold == "" {
		return 0
	}
	if pred == gold {
		return 1
	}
	return 0
}

// fetchMapping maps pred to option text using the longest prefix of pred
// present in mapping. pred is returned unchanged when nothing matches.
func fetchMapping(pred string, mapping map[string]string) string {
	if v, ok := mapping[pred]; ok {
		return v
	}
	for l := len(pred); l > 0; l-- {
		if v, ok := mapping[pred[:l]]; ok {
			return v
		}
	}
	return pred
}
