package llm

import (
	"github.com/me/evalflow/internal/plugin"
)

const location = "github.com/me/evalflow/internal/llm"

// Register adds the model executors to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "OpenAIModel",
		Role:     plugin.RoleLoadModel,
		Location: location,
		Params: func() any {
			return &OpenAIParams{RetryParams: DefaultRetryParams(), RequestTimeout: 600}
		},
		New: newOpenAI,
	})
	c.MustRegister(plugin.Definition{
		Name:     "ScoreOpenAIModel",
		Role:     plugin.RoleLoadModel,
		Location: location,
		Params: func() any {
			return &ScoreOpenAIParams{ScoreRetryTime: 10, ScoreRetryTimeInterval: 10}
		},
		New: newScoreOpenAI,
	})
	c.MustRegister(plugin.Definition{
		Name:         "GeminiModel",
		Role:         plugin.RoleLoadModel,
		Location:     location,
		Requirements: []string{"github.com/google/generative-ai-go"},
		Params: func() any {
			return &GeminiParams{RetryParams: DefaultRetryParams(), GeminiModel: "gemini-1.5-flash"}
		},
		New: newGemini,
	})
	c.MustRegister(plugin.Definition{
		Name:     "EchoModel",
		Role:     plugin.RoleLoadModel,
		Location: location,
		Params:   func() any { return &EchoParams{} },
		New: func(p any, _ plugin.Env) (any, error) {
			return &Echo{Prefix: p.(*EchoParams).EchoPrefix}, nil
		},
	})
}
