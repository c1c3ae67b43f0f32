package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// Environment fallbacks for unset connection parameters.
const (
	EnvBaseURL = "EVALFLOW_API_BASE_URL"
	EnvAPIKey  = "EVALFLOW_API_KEY"
	EnvModel   = "EVALFLOW_MODEL"
)

// OpenAIParams configure the OpenAI-compatible executor.
type OpenAIParams struct {
	plugin.BaseParams
	RetryParams
	Model          string  `json:"model"`
	BaseURL        string  `json:"base_url"`
	APIKey         string  `json:"api_key"`
	RequestTimeout float64 `json:"request_timeout" validate:"gte=0"`
}

// ScoreOpenAIParams configure the executor used by the scoring pass. Field
// names are prefixed so both executors can be configured in one unit.
type ScoreOpenAIParams struct {
	plugin.BaseParams
	ScoreModel             string  `json:"score_model"`
	ScoreBaseURL           string  `json:"score_base_url"`
	ScoreAPIKey            string  `json:"score_api_key"`
	ScoreRetryTime         int     `json:"score_retry_time" validate:"gte=1"`
	ScoreRetryTimeInterval float64 `json:"score_retry_time_interval" validate:"gte=0"`
}

// OpenAIClient calls a /chat/completions endpoint.
type OpenAIClient struct {
	name       string
	model      string
	baseURL    string
	apiKey     string
	attempts   int
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// OpenAIConfig holds the resolved settings of an OpenAIClient.
type OpenAIConfig struct {
	Name     string
	Model    string
	BaseURL  string
	APIKey   string
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
}

// NewOpenAIClient creates a client. Empty connection settings fall back to
// the EVALFLOW_API_* environment.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv(EnvBaseURL)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(EnvAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv(EnvModel)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &OpenAIClient{
		name:       cfg.Name,
		model:      cfg.Model,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		attempts:   cfg.Attempts,
		interval:   cfg.Interval,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "model", "executor", cfg.Name),
	}, nil
}

type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []model.Message `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"top_p,omitempty"`
	TopK             int             `json:"top_k,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Execute implements plugin.ModelExecutor.
func (c *OpenAIClient) Execute(ctx context.Context, req *model.Request) (*model.RequestResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%s: base_url is not configured", c.name)
	}
	body := chatRequest{
		Model:            c.model,
		Messages:         req.Messages,
		MaxTokens:        req.MaxNewTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.StopSequences,
	}
	if req.TopK > 0 {
		body.TopK = req.TopK
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return retryCall(ctx, c.logger, c.name, c.attempts, c.interval, func(ctx context.Context) (*model.RequestResult, error) {
		return c.post(ctx, payload)
	})
}

func (c *OpenAIClient) post(ctx context.Context, payload []byte) (*model.RequestResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	res := &model.RequestResult{Finish: true}
	for _, ch := range out.Choices {
		res.Completions = append(res.Completions, model.Sequence{
			Text:           ch.Message.Content,
			FinishReason:   ch.FinishReason,
			InputTokenNum:  out.Usage.PromptTokens,
			OutputTokenNum: out.Usage.CompletionTokens,
		})
	}
	res.Thought = out.Choices[0].Message.ReasoningContent
	return res, nil
}

func newOpenAI(p any, env plugin.Env) (any, error) {
	params := p.(*OpenAIParams)
	return NewOpenAIClient(OpenAIConfig{
		Name:     "OpenAIModel",
		Model:    params.Model,
		BaseURL:  params.BaseURL,
		APIKey:   params.APIKey,
		Attempts: params.RetryTime,
		Interval: seconds(params.RetryTimeInterval),
		Timeout:  seconds(params.RequestTimeout),
	}, env.Logger)
}

func newScoreOpenAI(p any, env plugin.Env) (any, error) {
	params := p.(*ScoreOpenAIParams)
	return NewOpenAIClient(OpenAIConfig{
		Name:     "ScoreOpenAIModel",
		Model:    params.ScoreModel,
		BaseURL:  params.ScoreBaseURL,
		APIKey:   params.ScoreAPIKey,
		Attempts: params.ScoreRetryTime,
		Interval: seconds(params.ScoreRetryTimeInterval),
	}, env.Logger)
}
