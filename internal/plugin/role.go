package plugin

import (
	"context"

	"github.com/me/evalflow/pkg/model"
)

// Role is an extension point of the pipeline.
type Role string

const (
	RoleDataStage     Role = "stage_data_processor"
	RoleInferStage    Role = "stage_infer_processor"
	RoleMetricsStage  Role = "stage_metrics_processor"
	RoleReportStage   Role = "stage_report_processor"
	RoleScenario      Role = "scenario"
	RoleAdapter       Role = "adapter"
	RoleWindowService Role = "window_service"
	RoleLoadModel     Role = "load_model"
	RoleAgent         Role = "agent"
	RoleMetrics       Role = "metrics"
	RoleReport        Role = "report"
)

// Roles lists every role in pipeline order.
var Roles = []Role{
	RoleDataStage, RoleInferStage, RoleMetricsStage, RoleReportStage,
	RoleScenario, RoleAdapter, RoleWindowService,
	RoleLoadModel, RoleAgent, RoleMetrics, RoleReport,
}

// IsStage reports whether r is one of the stage roles.
func (r Role) IsStage() bool {
	switch r {
	case RoleDataStage, RoleInferStage, RoleMetricsStage, RoleReportStage:
		return true
	}
	return false
}

// Stage coordinates the steps of one pipeline phase for one unit of work.
type Stage interface {
	// Steps returns the step roles the stage needs, in execution order.
	Steps() []Role
	// UseCache reports whether the stage may skip on a complete checkpoint.
	UseCache() bool
	// CacheAvailable reports whether the checkpoint already holds this
	// stage's complete output.
	CacheAvailable(ctx context.Context) (bool, error)
	Process(ctx context.Context, sc *StageContext) error
}

// Scenario loads the raw items of a dataset.
type Scenario interface {
	LoadInstances(ctx context.Context) ([]model.Instance, error)
}

// Adapter turns items into model requests.
type Adapter interface {
	Adapt(ctx context.Context, instances []model.Instance) (*model.ScenarioState, error)
}

// WindowService shapes requests to fit the model context window.
type WindowService interface {
	Shape(ctx context.Context, state *model.ScenarioState) (*model.ScenarioState, error)
}

// ModelExecutor executes one request against a model. Implementations own
// their retry policy and return *model.ExternalCallError once it is spent.
type ModelExecutor interface {
	Execute(ctx context.Context, req *model.Request) (*model.RequestResult, error)
}

// Agent orchestrates the model calls of one item.
type Agent interface {
	Run(ctx context.Context, exec ModelExecutor, rs *model.RequestState) (*model.RequestState, error)
}

// Metrics scores a pipeline state.
type Metrics interface {
	MetricsName() string
	Evaluate(ctx context.Context, state *model.ScenarioState) ([]model.Stat, []model.PerInstanceStats, error)
}

// ReportInput is everything a report sees for one unit.
type ReportInput struct {
	UnitID      string
	State       *model.ScenarioState
	Stats       []model.Stat
	PerInstance []model.PerInstanceStats
}

// Report renders or publishes the results of a unit.
type Report interface {
	Render(ctx context.Context, in *ReportInput) error
}

// satisfies reports whether v implements the contract of role.
func satisfies(role Role, v any) bool {
	switch role {
	case RoleDataStage, RoleInferStage, RoleMetricsStage, RoleReportStage:
		_, ok := v.(Stage)
		return ok
	case RoleScenario:
		_, ok := v.(Scenario)
		return ok
	case RoleAdapter:
		_, ok := v.(Adapter)
		return ok
	case RoleWindowService:
		_, ok := v.(WindowService)
		return ok
	case RoleLoadModel:
		_, ok := v.(ModelExecutor)
		return ok
	case RoleAgent:
		_, ok := v.(Agent)
		return ok
	case RoleMetrics:
		_, ok := v.(Metrics)
		return ok
	case RoleReport:
		_, ok := v.(Report)
		return ok
	}
	return false
}
