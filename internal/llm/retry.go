// Package llm holds the model executors: an OpenAI-compatible HTTP client,
// a Gemini client and an offline echo executor.
package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/evalflow/pkg/model"
)

// RetryParams bound the retries of one model call.
type RetryParams struct {
	RetryTime         int     `json:"retry_time" validate:"gte=1"`
	RetryTimeInterval float64 `json:"retry_time_interval" validate:"gte=0"`
}

// DefaultRetryParams returns ten attempts ten seconds apart.
func DefaultRetryParams() RetryParams {
	return RetryParams{RetryTime: 10, RetryTimeInterval: 10}
}

// retryCall runs call up to attempts times, sleeping interval between
// attempts. Once every attempt failed it returns *model.ExternalCallError.
func retryCall(ctx context.Context, logger *slog.Logger, service string, attempts int, interval time.Duration,
	call func(context.Context) (*model.RequestResult, error)) (*model.RequestResult, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logger.Warn("model call failed", "service", service, "attempt", i, "of", attempts, "error", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &model.ExternalCallError{Service: service, Attempts: i, Cause: ctx.Err()}
		case <-time.After(interval):
		}
	}
	logger.Error("model call gave up", "service", service, "attempts", attempts, "error", lastErr)
	return nil, &model.ExternalCallError{Service: service, Attempts: attempts, Cause: lastErr}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
