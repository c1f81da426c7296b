package assemblyai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMissingField    = errors.New("response is missing a required field")
	ErrUnknownStatus   = errors.New("unknown transcript status")
	ErrPollTimeout     = errors.New("timed out waiting for transcript")
	ErrTooManyAttempts = errors.New("transcript still pending after max poll attempts")
)

// APIError is returned for any non-2xx response from the API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api returned %d: %s", e.Op, e.StatusCode, e.Message)
}

func newAPIError(op string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

// JobError reports a job that reached a failing terminal state.
type JobError struct {
	ID      string
	Status  Status
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transcript %s ended with status %q: %s", e.ID, e.Status, e.Message)
	}
	return fmt.Sprintf("transcript %s ended with status %q", e.ID, e.Status)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
