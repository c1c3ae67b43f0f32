// Package report renders and publishes the results of a unit.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

const location = "github.com/me/evalflow/internal/report"

// Register adds the report implementations to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "SummaryReport",
		Role:     plugin.RoleReport,
		Location: location,
		Params:   func() any { return &SummaryParams{OutputFile: DefaultOutputFile} },
		New:      newSummary,
	})
	c.MustRegister(plugin.Definition{
		Name:         "S3Report",
		Role:         plugin.RoleReport,
		Location:     location,
		Requirements: []string{"github.com/aws/aws-sdk-go-v2/service/s3"},
		Params:       func() any { return &S3Params{S3Prefix: "evalflow"} },
		New:          newS3,
	})
	c.MustRegister(plugin.Definition{
		Name:         "PostgresReport",
		Role:         plugin.RoleReport,
		Location:     location,
		Requirements: []string{"github.com/jackc/pgx/v5"},
		Params:       func() any { return &PostgresParams{PostgresTable: "eval_stats"} },
		New:          newPostgres,
	})
}

// Document is the serialized report of one unit.
type Document struct {
	UnitID      string                   `json:"unit_id"`
	GeneratedAt time.Time                `json:"generated_at"`
	Items       int                      `json:"items"`
	Completed   int                      `json:"completed"`
	Stats       []model.Stat             `json:"stats"`
	PerInstance []model.PerInstanceStats `json:"per_instance_stats,omitempty"`
}

// NewDocument summarizes in.
func NewDocument(in *plugin.ReportInput) *Document {
	doc := &Document{
		UnitID:      in.UnitID,
		GeneratedAt: time.Now().UTC(),
		Items:       in.State.Len(),
		Stats:       sortedStats(in.Stats),
		PerInstance: in.PerInstance,
	}
	if in.State != nil {
		for _, rs := range in.State.RequestStates {
			if rs.Result.HasCompletion() {
				doc.Completed++
			}
		}
	}
	return doc
}

// JSON encodes the document with four-space indentation.
func (d *Document) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return data, nil
}

func sortedStats(in []model.Stat) []model.Stat {
	out := append([]model.Stat(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name.Name != out[j].Name.Name {
			return out[i].Name.Name < out[j].Name.Name
		}
		return out[i].Name.Split < out[j].Name.Split
	})
	return out
}

func mean(st model.Stat) float64 {
	if st.Mean != nil {
		return *st.Mean
	}
	if st.Count == 0 {
		return 0
	}
	return st.Sum / float64(st.Count)
}
