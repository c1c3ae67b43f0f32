// Package agent drives the model calls made for a single item.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

const location = "github.com/me/evalflow/internal/agent"

// DefaultScorePrompt asks a judge model for a 0-10 score.
const DefaultScorePrompt = `Rate how well the answer matches the reference on a scale from 0 to 10.
Question: {input}
Reference: {reference}
Answer: {prediction}
Reply with the number only.`

// Params configure SingleRoundTextAgent.
type Params struct {
	plugin.BaseParams
	DisableCache bool `json:"disable_cache"`
}

// ScoreParams configure ScoreAgent.
type ScoreParams struct {
	plugin.BaseParams
	ScoreDisableCache   bool   `json:"score_disable_cache"`
	ScorePromptTemplate string `json:"score_prompt_template"`
}

// Register adds the agent implementations to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "SingleRoundTextAgent",
		Role:     plugin.RoleAgent,
		Location: location,
		Params:   func() any { return &Params{} },
		New: func(p any, _ plugin.Env) (any, error) {
			return &SingleRound{DisableCache: p.(*Params).DisableCache}, nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "ScoreAgent",
		Role:     plugin.RoleAgent,
		Location: location,
		Params:   func() any { return &ScoreParams{ScorePromptTemplate: DefaultScorePrompt} },
		New: func(p any, _ plugin.Env) (any, error) {
			sp := p.(*ScoreParams)
			return &Score{DisableCache: sp.ScoreDisableCache, Template: sp.ScorePromptTemplate}, nil
		},
	})
}

// SingleRound sends the item's request once and stores the result.
type SingleRound struct {
	DisableCache bool
}

// Run implements plugin.Agent. An item that already holds a completion is
// returned unchanged and marked cached unless caching is disabled.
func (a *SingleRound) Run(ctx context.Context, exec plugin.ModelExecutor, rs *model.RequestState) (*model.RequestState, error) {
	if !a.DisableCache && rs.Result.HasCompletion() {
		rs.Cached = true
		return rs, nil
	}
	res, err := exec.Execute(ctx, &rs.Request)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", rs.Instance.ID, err)
	}
	rs.Result = res
	rs.Cached = false
	return rs, nil
}

// Score asks a judge model to grade the item's prediction.
type Score struct {
	DisableCache bool
	Template     string
}

// Run implements plugin.Agent.
func (a *Score) Run(ctx context.Context, exec plugin.ModelExecutor, rs *model.RequestState) (*model.RequestState, error) {
	if !a.DisableCache && rs.ModelScoreResult.HasCompletion() {
		rs.Cached = true
		return rs, nil
	}
	if !rs.Result.HasCompletion() {
		return nil, fmt.Errorf("instance %s has no prediction to score", rs.Instance.ID)
	}

	var refs []string
	for _, ref := range rs.Instance.CorrectReferences() {
		refs = append(refs, ref.Output.Text)
	}
	prompt := strings.NewReplacer(
		"{input}", rs.Instance.Input.Text,
		"{reference}", strings.Join(refs, " | "),
		"{prediction}", rs.Result.Text(),
	).Replace(a.Template)

	req := &model.Request{
		Messages:     []model.Message{{Role: "user", Content: prompt}},
		MaxNewTokens: 16,
	}
	res, err := exec.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("score instance %s: %w", rs.Instance.ID, err)
	}
	rs.ModelScoreRequest = req
	rs.ModelScoreResult = res
	rs.Cached = false
	return rs, nil
}
