package report

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/evalflow/internal/logging"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

func sampleInput() *plugin.ReportInput {
	em := model.NewStat("exact_match")
	em.Add(1)
	em.Add(0)
	qp := model.NewStat("quasi_prefix_exact_match")
	qp.Add(1)
	return &plugin.ReportInput{
		UnitID: "gsm8k",
		State: &model.ScenarioState{RequestStates: []*model.RequestState{
			{Result: &model.RequestResult{Completions: []model.Sequence{{Text: "a"}}}},
			{},
		}},
		Stats: []model.Stat{qp, em},
	}
}

func TestNewDocument(t *testing.T) {
	doc := NewDocument(sampleInput())
	assert.Equal(t, 2, doc.Items)
	assert.Equal(t, 1, doc.Completed)
	require.Len(t, doc.Stats, 2)
	assert.Equal(t, "exact_match", doc.Stats[0].Name.Name, "stats are sorted by name")
}

func TestRenderTable(t *testing.T) {
	out := RenderTable(NewDocument(sampleInput()))
	assert.Contains(t, out, "gsm8k")
	assert.Contains(t, out, "exact_match")
	assert.Contains(t, out, "0.5000")
	assert.Contains(t, out, "1/2")
}

func TestSummary_WritesReportFile(t *testing.T) {
	dir := t.TempDir()
	s := &Summary{dir: dir, file: DefaultOutputFile, out: io.Discard, logger: logging.Discard()}
	require.NoError(t, s.Render(context.Background(), sampleInput()))

	data, err := os.ReadFile(filepath.Join(dir, "gsm8k", DefaultOutputFile))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "gsm8k", doc.UnitID)
	assert.Len(t, doc.Stats, 2)
}

func TestSummary_PrintsTable(t *testing.T) {
	var b strings.Builder
	s := &Summary{dir: t.TempDir(), out: &b, logger: logging.Discard()}
	require.NoError(t, s.Render(context.Background(), sampleInput()))
	assert.Contains(t, b.String(), "quasi_prefix_exact_match")
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3_Render(t *testing.T) {
	fake := &fakePutter{}
	r := &S3{params: &S3Params{S3Bucket: "results", S3Prefix: "nightly"}, client: fake, logger: logging.Discard()}
	require.NoError(t, r.Render(context.Background(), sampleInput()))

	require.NotNil(t, fake.input)
	assert.Equal(t, "results", *fake.input.Bucket)
	assert.Equal(t, "nightly/gsm8k/report.json", *fake.input.Key)
	assert.Contains(t, string(fake.body), `"unit_id": "gsm8k"`)
}

func TestS3_RequiresBucket(t *testing.T) {
	c := plugin.NewCatalog()
	Register(c)
	r := plugin.NewRegistry(c, plugin.Env{Logger: logging.Discard()})
	_, err := r.Construct("S3Report", nil)
	assert.Error(t, err)
}

func TestPostgres_Rows(t *testing.T) {
	id := uuid.New()
	rows := Rows(id, sampleInput())
	require.Len(t, rows, 2)
	assert.Equal(t, id, rows[0].RunID)
	assert.Equal(t, "exact_match", rows[0].Metric)
	assert.Equal(t, 2, rows[0].Count)
	assert.InDelta(t, 0.5, rows[0].Mean, 1e-9)
}

func TestPostgres_RejectsBadTable(t *testing.T) {
	_, err := newPostgres(&PostgresParams{DatabaseURL: "postgres://x", PostgresTable: "stats; drop"}, plugin.Env{Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestPostgres_Integration(t *testing.T) {
	dsn := os.Getenv("EVALFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EVALFLOW_TEST_DATABASE_URL not set")
	}
	inst, err := newPostgres(&PostgresParams{DatabaseURL: dsn, PostgresTable: "evalflow_test_stats"}, plugin.Env{Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, inst.(*Postgres).Render(context.Background(), sampleInput()))
}
