// Package builtin assembles the catalog of compiled-in implementations.
package builtin

import (
	"github.com/me/evalflow/internal/adapter"
	"github.com/me/evalflow/internal/agent"
	"github.com/me/evalflow/internal/llm"
	"github.com/me/evalflow/internal/metrics"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/internal/report"
	"github.com/me/evalflow/internal/scenario"
	"github.com/me/evalflow/internal/stage"
	"github.com/me/evalflow/internal/window"
)

// Defaults names the implementation used for each role when a flow does not
// configure one.
var Defaults = map[plugin.Role]string{
	plugin.RoleDataStage:     "SimpleDataProcessor",
	plugin.RoleInferStage:    "SimpleInferProcessor",
	plugin.RoleMetricsStage:  "SimpleMetricsProcessor",
	plugin.RoleReportStage:   "SimpleReportProcessor",
	plugin.RoleScenario:      "GenerationScenario",
	plugin.RoleAdapter:       "GenerationAdapter",
	plugin.RoleWindowService: "GenerationWindowService",
	plugin.RoleLoadModel:     "OpenAIModel",
	plugin.RoleAgent:         "SingleRoundTextAgent",
	plugin.RoleMetrics:       "QuasiPrefixExactMatchMetrics",
	plugin.RoleReport:        "SummaryReport",
}

// Catalog returns a catalog holding every built-in implementation with the
// role defaults set.
func Catalog() *plugin.Catalog {
	c := plugin.NewCatalog()
	stage.Register(c)
	scenario.Register(c)
	adapter.Register(c)
	window.Register(c)
	llm.Register(c)
	agent.Register(c)
	metrics.Register(c)
	report.Register(c)
	for role, name := range Defaults {
		c.SetDefault(role, name)
	}
	return c
}
