package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/me/evalflow/internal/plugin"
)

// DefaultOutputFile is written under the unit directory.
const DefaultOutputFile = "report.json"

// SummaryParams configure SummaryReport.
type SummaryParams struct {
	plugin.BaseParams
	OutputFile string `json:"output_file"`
	Quiet      bool   `json:"quiet"`
}

// Summary prints a metric table and writes the report document next to the
// unit's checkpoints.
type Summary struct {
	dir    string
	file   string
	out    io.Writer
	logger *slog.Logger
}

func newSummary(p any, env plugin.Env) (any, error) {
	sp := p.(*SummaryParams)
	dir := sp.WorkDir
	if dir == "" {
		dir = plugin.DefaultWorkDir
	}
	if env.Checkpoints != nil {
		dir = env.Checkpoints.WorkDir()
	}
	var out io.Writer = os.Stdout
	if sp.Quiet {
		out = io.Discard
	}
	return &Summary{dir: dir, file: sp.OutputFile, out: out, logger: env.Logger}, nil
}

// Render implements plugin.Report.
func (s *Summary) Render(_ context.Context, in *plugin.ReportInput) error {
	doc := NewDocument(in)
	fmt.Fprintln(s.out, RenderTable(doc))

	if s.file == "" {
		return nil
	}
	data, err := doc.JSON()
	if err != nil {
		return err
	}
	path := s.file
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, in.UnitID, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	s.logger.Info("report written", "unit", in.UnitID, "path", path)
	return nil
}

// RenderTable draws the unit's aggregate metrics in a bordered box.
func RenderTable(doc *Document) string {
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF"))
	label := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Width(32)
	value := lipgloss.NewStyle().
		Align(lipgloss.Right).
		Width(10)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)

	lines := []string{
		head.Render(doc.UnitID),
		fmt.Sprintf("%s%s", label.Render("items (completed)"),
			value.Render(fmt.Sprintf("%d/%d", doc.Completed, doc.Items))),
	}
	for _, st := range doc.Stats {
		name := st.Name.Name
		if st.Name.Split != "" {
			name += " [" + st.Name.Split + "]"
		}
		lines = append(lines, fmt.Sprintf("%s%s", label.Render(name), value.Render(fmt.Sprintf("%.4f", mean(st)))))
	}
	if len(doc.Stats) == 0 {
		lines = append(lines, label.Render("no metrics"))
	}
	return box.Render(strings.Join(lines, "\n"))
}
