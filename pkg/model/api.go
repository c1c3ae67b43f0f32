package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// AllocateRequest records the worker that picked up a unit.
type AllocateRequest struct {
	Worker string `json:"worker"`
}

// RetryRequest reports why a unit failed.
type RetryRequest struct {
	Worker string `json:"worker"`
	Error  string `json:"error"`
}

// RetryResponse tells a worker whether its failed unit went back on the queue.
type RetryResponse struct {
	Requeued bool `json:"requeued"`
	Attempts int  `json:"attempts"`
}
