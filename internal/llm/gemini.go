package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// EnvGeminiAPIKey is read when gemini_api_key is not configured.
const EnvGeminiAPIKey = "GEMINI_API_KEY"

// GeminiParams configure the Gemini executor.
type GeminiParams struct {
	plugin.BaseParams
	RetryParams
	GeminiModel  string `json:"gemini_model"`
	GeminiAPIKey string `json:"gemini_api_key"`
}

// GeminiClient executes requests against the Gemini API.
type GeminiClient struct {
	modelName string
	apiKey    string
	params    RetryParams
	logger    *slog.Logger

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiClient creates a client. The API connection is opened on the
// first request.
func NewGeminiClient(params *GeminiParams, logger *slog.Logger) (*GeminiClient, error) {
	key := params.GeminiAPIKey
	if key == "" {
		key = os.Getenv(EnvGeminiAPIKey)
	}
	if params.GeminiModel == "" {
		return nil, fmt.Errorf("gemini_model is required")
	}
	return &GeminiClient{
		modelName: params.GeminiModel,
		apiKey:    key,
		params:    params.RetryParams,
		logger:    logger.With("component", "model", "executor", "GeminiModel"),
	}, nil
}

func (c *GeminiClient) connect(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		if c.apiKey == "" {
			c.initErr = fmt.Errorf("API key is required")
			return
		}
		c.client, c.initErr = genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
		if c.initErr != nil {
			c.initErr = fmt.Errorf("failed to create Gemini client: %w", c.initErr)
		}
	})
	return c.client, c.initErr
}

// Execute implements plugin.ModelExecutor.
func (c *GeminiClient) Execute(ctx context.Context, req *model.Request) (*model.RequestResult, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, &model.ExternalCallError{Service: "GeminiModel", Attempts: 0, Cause: err}
	}

	gm := client.GenerativeModel(c.modelName)
	gm.SetTemperature(float32(req.Temperature))
	if req.TopP > 0 {
		gm.SetTopP(float32(req.TopP))
	}
	if req.TopK > 0 {
		gm.SetTopK(int32(req.TopK))
	}
	if req.MaxNewTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxNewTokens))
	}
	if len(req.StopSequences) > 0 {
		gm.StopSequences = req.StopSequences
	}

	history, last := splitMessages(req.Messages)
	for _, m := range req.Messages {
		if m.Role == "system" {
			gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(m.Content)}}
		}
	}

	return retryCall(ctx, c.logger, "GeminiModel", c.params.RetryTime, seconds(c.params.RetryTimeInterval),
		func(ctx context.Context) (*model.RequestResult, error) {
			cs := gm.StartChat()
			cs.History = history
			resp, err := cs.SendMessage(ctx, genai.Text(last))
			if err != nil {
				return nil, fmt.Errorf("failed to generate content: %w", err)
			}
			return resultFromResponse(resp)
		})
}

// Close releases the API connection.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// splitMessages converts chat messages into Gemini history plus the final
// user turn. System messages are carried separately.
func splitMessages(msgs []model.Message) ([]*genai.Content, string) {
	var turns []model.Message
	for _, m := range msgs {
		if m.Role != "system" {
			turns = append(turns, m)
		}
	}
	if len(turns) == 0 {
		return nil, ""
	}
	var history []*genai.Content
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return history, turns[len(turns)-1].Content
}

func resultFromResponse(resp *genai.GenerateContentResponse) (*model.RequestResult, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}
	res := &model.RequestResult{Finish: true}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		var parts []string
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				parts = append(parts, string(text))
			}
		}
		seq := model.Sequence{
			Text:         strings.Join(parts, ""),
			FinishReason: strings.ToLower(cand.FinishReason.String()),
		}
		if resp.UsageMetadata != nil {
			seq.InputTokenNum = int(resp.UsageMetadata.PromptTokenCount)
			seq.OutputTokenNum = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		res.Completions = append(res.Completions, seq)
	}
	if len(res.Completions) == 0 {
		return nil, fmt.Errorf("no content in response")
	}
	return res, nil
}

func newGemini(p any, env plugin.Env) (any, error) {
	return NewGeminiClient(p.(*GeminiParams), env.Logger)
}
