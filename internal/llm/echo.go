package llm

import (
	"context"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// EchoParams configure the echo executor.
type EchoParams struct {
	plugin.BaseParams
	EchoPrefix string `json:"echo_prefix"`
}

// Echo answers every request with its last message. It needs no network and
// is used for dry runs and tests.
type Echo struct {
	Prefix string
}

// Execute implements plugin.ModelExecutor.
func (e *Echo) Execute(ctx context.Context, req *model.Request) (*model.RequestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	return &model.RequestResult{
		Completions: []model.Sequence{{Text: e.Prefix + last, FinishReason: "stop"}},
		Finish:      true,
	}, nil
}
