package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/evalflow/internal/expr"
	"github.com/me/evalflow/internal/logging"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

func rs(id, pred string, golds ...string) *model.RequestState {
	s := &model.RequestState{Instance: model.Instance{ID: id}}
	for _, g := range golds {
		s.Instance.References = append(s.Instance.References, model.Reference{
			Output: model.Output{Text: g}, Tags: []string{model.CorrectTag},
		})
	}
	if pred != "" {
		s.Result = &model.RequestResult{Completions: []model.Sequence{{Text: pred}}}
	}
	return s
}

func qpem() *Matcher {
	return &Matcher{name: "quasi_prefix_exact_match", score: quasiPrefixExactMatch, logger: logging.Discard()}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeText("  Hello,   World!! "))
	assert.Equal(t, "a b", NormalizeText("A\t(b)"))
	assert.Equal(t, "128", NormalizeText("-128"))
}

func TestQuasiPrefixExactMatch(t *testing.T) {
	assert.Equal(t, 1.0, quasiPrefixExactMatch("Paris", "paris, France"))
	assert.Equal(t, 0.0, quasiPrefixExactMatch("Paris", "It is Paris"))
	assert.Equal(t, 0.0, quasiPrefixExactMatch("Paris", ""))
	assert.Equal(t, 0.0, quasiPrefixExactMatch("", "Paris"))
}

func TestFetchMapping(t *testing.T) {
	mapping := map[string]string{"A": "red", "B": "blue"}
	assert.Equal(t, "red", fetchMapping("A", mapping))
	assert.Equal(t, "blue", fetchMapping("B. blue", mapping))
	assert.Equal(t, "C", fetchMapping("C", mapping))
	assert.Equal(t, "", fetchMapping("", mapping))
}

func TestMatcher_Evaluate(t *testing.T) {
	state := &model.ScenarioState{RequestStates: []*model.RequestState{
		rs("1", "Paris is the capital", "Paris"),
		rs("2", "Lyon", "Paris", "Lyon"),
		rs("3", "", "Paris"),
		rs("4", "Berlin", "Paris"),
	}}

	agg, per, err := qpem().Evaluate(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, agg, 1)
	assert.Equal(t, 4, agg[0].Count)
	assert.Equal(t, 2.0, agg[0].Sum)
	assert.InDelta(t, 0.5, *agg[0].Mean, 1e-9)

	require.Len(t, per, 4)
	assert.Equal(t, "1", per[0].InstanceID)
	assert.Equal(t, 1.0, per[0].Stats[0].Sum)
	assert.Equal(t, 0.0, per[2].Stats[0].Sum)
}

func TestMatcher_OutputMappingUsesExactMatch(t *testing.T) {
	one := rs("1", "A", "1")
	one.OutputMapping = map[string]string{"A": "10", "B": "1"}
	two := rs("2", "B", "1")
	two.OutputMapping = map[string]string{"A": "10", "B": "1"}

	_, per, err := qpem().Evaluate(context.Background(), &model.ScenarioState{RequestStates: []*model.RequestState{one, two}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, per[0].Stats[0].Sum, "10 must not prefix-match 1")
	assert.Equal(t, 1.0, per[1].Stats[0].Sum)
}

func TestExpression_Evaluate(t *testing.T) {
	m := &Expression{
		name:   "contains",
		src:    "refs.some(function(r) { return pred.indexOf(r) >= 0; })",
		logger: logging.Discard(),
	}
	m.eval = newEvaluatorForTest()
	state := &model.ScenarioState{RequestStates: []*model.RequestState{
		rs("1", "answer: 42", "42"),
		rs("2", "answer: 41", "42"),
	}}
	agg, per, err := m.Evaluate(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1.0, agg[0].Sum)
	assert.Equal(t, 1.0, per[0].Stats[0].Sum)
	assert.Equal(t, 0.0, per[1].Stats[0].Sum)
}

func TestExpression_ErrorNamesInstance(t *testing.T) {
	m := &Expression{name: "bad", src: "nope()", eval: newEvaluatorForTest(), logger: logging.Discard()}
	_, _, err := m.Evaluate(context.Background(), &model.ScenarioState{RequestStates: []*model.RequestState{rs("7", "x", "y")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance 7")
}

func TestModelScore_Evaluate(t *testing.T) {
	graded := func(id, out string) *model.RequestState {
		s := rs(id, "pred", "gold")
		s.ModelScoreResult = &model.RequestResult{Completions: []model.Sequence{{Text: out}}}
		return s
	}
	m := &ModelScore{name: "model_score", max: 10, logger: logging.Discard()}
	agg, per, err := m.Evaluate(context.Background(), &model.ScenarioState{RequestStates: []*model.RequestState{
		graded("1", "8"),
		graded("2", "Score: 4/10"),
		graded("3", "no idea"),
		graded("4", "15"),
	}})
	require.NoError(t, err)
	require.Len(t, per, 3)
	assert.Equal(t, 3, agg[0].Count)
	assert.InDelta(t, 0.8+0.4+1.0, agg[0].Sum, 1e-9)
}

func TestParseGrade(t *testing.T) {
	v, ok := ParseGrade("grade 7.5 of 10")
	require.True(t, ok)
	assert.Equal(t, 7.5, v)
	_, ok = ParseGrade("none")
	assert.False(t, ok)
}

func TestRegister_DefaultNames(t *testing.T) {
	c := plugin.NewCatalog()
	Register(c)
	r := plugin.NewRegistry(c, plugin.Env{Logger: logging.Discard()})

	m, err := plugin.Named[plugin.Metrics](r, "QuasiPrefixExactMatchMetrics", nil)
	require.NoError(t, err)
	assert.Equal(t, "quasi_prefix_exact_match", m.MetricsName())

	m, err = plugin.Named[plugin.Metrics](r, "ExactMatchMetrics", model.ContextParams{"metrics_name": "em"})
	require.NoError(t, err)
	assert.Equal(t, "em", m.MetricsName())

	_, err = plugin.Named[plugin.Metrics](r, "ExpressionMetrics", nil)
	assert.Error(t, err, "expression is required")
}

func newEvaluatorForTest() *expr.Evaluator {
	return expr.NewEvaluator(nil)
}
