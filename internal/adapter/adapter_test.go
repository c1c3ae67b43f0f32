package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/evalflow/pkg/model"
)

func TestGeneration_Adapt(t *testing.T) {
	p := DefaultParams()
	p.SystemPrompt = "be brief"
	p.PromptTemplate = "Q: {input}\nA:"

	state, err := (&Generation{params: p}).Adapt(context.Background(), []model.Instance{
		{ID: "1", Input: model.Input{Text: "2+2?"}},
		{ID: "2", Input: model.Input{Text: "3+3?"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, state.Len())

	req := state.RequestStates[0].Request
	assert.Equal(t, []model.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "Q: 2+2?\nA:"},
	}, req.Messages)
	assert.Equal(t, 4096, req.MaxNewTokens)
	assert.Equal(t, 0.6, req.Temperature)
	assert.Equal(t, 0.95, req.TopP)
	assert.Equal(t, -1, req.TopK)
	assert.Equal(t, "2", state.RequestStates[1].Instance.ID)
}

func TestGeneration_NoTemplateSendsInput(t *testing.T) {
	state, err := (&Generation{params: DefaultParams()}).Adapt(context.Background(), []model.Instance{
		{Input: model.Input{Text: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Message{{Role: "user", Content: "hello"}}, state.RequestStates[0].Request.Messages)
}

func TestMultipleChoiceJoint_Adapt(t *testing.T) {
	inst := model.Instance{
		ID:    "1",
		Input: model.Input{Text: "Pick a fruit"},
		References: []model.Reference{
			{Output: model.Output{Text: "apple"}, Tags: []string{model.CorrectTag}},
			{Output: model.Output{Text: "stone"}},
		},
	}

	state, err := (&MultipleChoiceJoint{params: DefaultParams()}).Adapt(context.Background(), []model.Instance{inst})
	require.NoError(t, err)

	rs := state.RequestStates[0]
	assert.Equal(t, "Pick a fruit\nA. apple\nB. stone\nAnswer:", rs.Request.Messages[0].Content)
	assert.Equal(t, map[string]string{"A": "apple", "B": "stone"}, rs.OutputMapping)
}

func TestMultipleChoiceJoint_TooManyOptions(t *testing.T) {
	inst := model.Instance{ID: "big"}
	for i := 0; i < 27; i++ {
		inst.References = append(inst.References, model.Reference{Output: model.Output{Text: "x"}})
	}

	_, err := (&MultipleChoiceJoint{params: DefaultParams()}).Adapt(context.Background(), []model.Instance{inst})
	assert.ErrorContains(t, err, "at most 26")
}
