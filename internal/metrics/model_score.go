package metrics

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// ModelScoreParams configure ModelScoreMetrics.
type ModelScoreParams struct {
	Params
	ScoreMax float64 `json:"score_max" validate:"gt=0"`
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ModelScore averages the grades a judge model gave, scaled to [0, 1].
// Items without a parsable grade are left out.
type ModelScore struct {
	name   string
	max    float64
	logger *slog.Logger
}

var _ plugin.Metrics = (*ModelScore)(nil)

// MetricsName implements plugin.Metrics.
func (m *ModelScore) MetricsName() string {
	return m.name
}

// Evaluate implements plugin.Metrics.
func (m *ModelScore) Evaluate(_ context.Context, state *model.ScenarioState) ([]model.Stat, []model.PerInstanceStats, error) {
	agg := model.NewStat(m.name)
	per := make([]model.PerInstanceStats, 0, state.Len())
	for _, rs := range state.RequestStates {
		grade, ok := ParseGrade(rs.ModelScoreResult.Text())
		if !ok {
			m.logger.Warn("no grade in judge output", "instance", rs.Instance.ID)
			continue
		}
		score := grade / m.max
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		st := model.NewStat(m.name)
		st.Add(score)
		per = append(per, model.PerInstanceStats{InstanceID: rs.Instance.ID, Stats: []model.Stat{st}})
		agg.Merge(st)
	}
	return []model.Stat{agg}, per, nil
}

// ParseGrade returns the first number in text.
func ParseGrade(text string) (float64, bool) {
	m := numberRe.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
