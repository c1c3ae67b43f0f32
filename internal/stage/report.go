package stage

import (
	"context"

	"github.com/me/evalflow/internal/plugin"
)

// Report hands a unit's results to every configured report. It is never
// cached.
type Report struct {
	plugin.StageBase
}

// Steps implements plugin.Stage.
func (r *Report) Steps() []plugin.Role {
	return []plugin.Role{plugin.RoleReport}
}

// CacheAvailable implements plugin.Stage.
func (r *Report) CacheAvailable(context.Context) (bool, error) {
	return false, nil
}

// Process implements plugin.Stage.
func (r *Report) Process(ctx context.Context, sc *plugin.StageContext) error {
	state, err := loadState(sc.Store, sc.UnitID)
	if err != nil {
		return err
	}
	reports, err := plugin.Instances[plugin.Report](sc.Registry, plugin.RoleReport, nil)
	if err != nil {
		return err
	}
	in := &plugin.ReportInput{
		UnitID:      sc.UnitID,
		State:       state,
		Stats:       sc.Store.LoadStats(sc.UnitID),
		PerInstance: sc.Store.LoadPerInstanceStats(sc.UnitID),
	}
	for _, rep := range reports {
		if err := rep.Render(ctx, in); err != nil {
			return err
		}
	}
	return nil
}
