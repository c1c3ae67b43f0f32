package stage

import (
	"context"
	"fmt"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// Metrics scores a unit with every configured metric.
type Metrics struct {
	plugin.StageBase
	store *checkpoint.Store
}

// Steps implements plugin.Stage.
func (m *Metrics) Steps() []plugin.Role {
	return []plugin.Role{plugin.RoleMetrics}
}

// CacheAvailable reports whether aggregate stats were already written.
func (m *Metrics) CacheAvailable(context.Context) (bool, error) {
	return len(m.store.LoadStats(m.UnitID())) > 0, nil
}

// Process implements plugin.Stage. Results are rebuilt from the configured
// metrics only. Per-instance stats merge by instance id and stat name,
// aggregate stats replace earlier ones of the same name.
func (m *Metrics) Process(ctx context.Context, sc *plugin.StageContext) error {
	state, err := loadState(sc.Store, sc.UnitID)
	if err != nil {
		return err
	}
	metrics, err := plugin.Instances[plugin.Metrics](sc.Registry, plugin.RoleMetrics, nil)
	if err != nil {
		return err
	}

	stats := []model.Stat{}
	perInstance := []model.PerInstanceStats{}
	for _, metric := range metrics {
		agg, per, err := metric.Evaluate(ctx, state)
		if err != nil {
			return fmt.Errorf("metric %s: %w", metric.MetricsName(), err)
		}
		stats = model.MergeStats(stats, agg)
		perInstance = model.MergePerInstanceStats(perInstance, per)
		for _, st := range agg {
			sc.Logger.Info("metric computed", "metric", st.Name.Name, "count", st.Count, "sum", st.Sum)
		}
	}
	return sc.Store.SaveMetrics(sc.UnitID, stats, perInstance)
}
