// Package adapter turns dataset items into model requests.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

const location = "github.com/me/evalflow/internal/adapter"

// InputPlaceholder is replaced by the item text in prompt_template.
const InputPlaceholder = "{input}"

// Params are the sampling parameters copied onto each request.
type Params struct {
	plugin.BaseParams
	MaxNewTokens     int      `json:"max_new_tokens" validate:"gte=1"`
	Temperature      float64  `json:"temperature" validate:"gte=0"`
	TopP             float64  `json:"top_p" validate:"gte=0,lte=1"`
	TopK             int      `json:"top_k"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	StopSequences    []string `json:"stop_sequences"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	PromptTemplate   string   `json:"prompt_template,omitempty"`
}

// DefaultParams returns the default sampling parameters.
func DefaultParams() *Params {
	return &Params{
		MaxNewTokens:  4096,
		Temperature:   0.6,
		TopP:          0.95,
		TopK:          -1,
		StopSequences: []string{},
	}
}

// Register adds the adapter implementations to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "GenerationAdapter",
		Role:     plugin.RoleAdapter,
		Location: location,
		Params:   func() any { return DefaultParams() },
		New: func(p any, _ plugin.Env) (any, error) {
			return &Generation{params: p.(*Params)}, nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "MultipleChoiceJointAdapter",
		Role:     plugin.RoleAdapter,
		Location: location,
		Params:   func() any { return DefaultParams() },
		New: func(p any, _ plugin.Env) (any, error) {
			return &MultipleChoiceJoint{params: p.(*Params)}, nil
		},
	})
}

func (p *Params) request(prompt string) model.Request {
	var msgs []model.Message
	if p.SystemPrompt != "" {
		msgs = append(msgs, model.Message{Role: "system", Content: p.SystemPrompt})
	}
	if p.PromptTemplate != "" {
		prompt = strings.ReplaceAll(p.PromptTemplate, InputPlaceholder, prompt)
	}
	msgs = append(msgs, model.Message{Role: "user", Content: prompt})
	return model.Request{
		Messages:         msgs,
		MaxNewTokens:     p.MaxNewTokens,
		Temperature:      p.Temperature,
		TopK:             p.TopK,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
		StopSequences:    p.StopSequences,
	}
}

// Generation sends the item text as a single user message.
type Generation struct {
	params *Params
}

// Adapt implements plugin.Adapter.
func (g *Generation) Adapt(_ context.Context, instances []model.Instance) (*model.ScenarioState, error) {
	state := &model.ScenarioState{RequestStates: make([]*model.RequestState, 0, len(instances))}
	for _, inst := range instances {
		state.RequestStates = append(state.RequestStates, &model.RequestState{
			Instance: inst,
			Request:  g.params.request(inst.Input.Text),
		})
	}
	return state, nil
}

// MultipleChoiceJoint lists every option under a letter and maps the
// letter the model answers with back to the option text.
type MultipleChoiceJoint struct {
	params *Params
}

// Adapt implements plugin.Adapter.
func (m *MultipleChoiceJoint) Adapt(_ context.Context, instances []model.Instance) (*model.ScenarioState, error) {
	state := &model.ScenarioState{RequestStates: make([]*model.RequestState, 0, len(instances))}
	for _, inst := range instances {
		if len(inst.References) > 26 {
			return nil, fmt.Errorf("instance %s has %d options, at most 26 are supported", inst.ID, len(inst.References))
		}
		var b strings.Builder
		b.WriteString(inst.Input.Text)
		mapping := make(map[string]string, len(inst.References))
		for i, ref := range inst.References {
			letter := string(rune('A' + i))
			mapping[letter] = ref.Output.Text
			fmt.Fprintf(&b, "\n%s. %s", letter, ref.Output.Text)
		}
		b.WriteString("\nAnswer:")
		state.RequestStates = append(state.RequestStates, &model.RequestState{
			Instance:      inst,
			Request:       m.params.request(b.String()),
			OutputMapping: mapping,
		})
	}
	return state, nil
}
