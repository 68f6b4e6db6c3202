package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
)

// Envelope is the uniform success shape every tool returns.
type Envelope struct {
	Data    any      `json:"data"`
	Summary string   `json:"summary,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
}

type Profile struct {
	DurationMs int64 `json:"durationMs"`
}

// ErrorEnvelope mirrors the taxonomy for tool callers.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code        string `json:"code"`
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
	Hint        string `json:"hint,omitempty"`
}

func textResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}, nil
}

func successResult(data any, summary string, started time.Time) (*mcp.CallToolResult, error) {
	return textResult(Envelope{
		Data:    data,
		Summary: summary,
		Profile: &Profile{DurationMs: time.Since(started).Milliseconds()},
	})
}

// errorResult renders a domain error as an error envelope. Only
// marshalling failures surface as protocol errors.
func errorResult(err error) (*mcp.CallToolResult, error) {
	body := ErrorBody{
		Code:        string(cerrors.CodeInternal),
		Reason:      err.Error(),
		Recoverable: false,
	}
	var domainErr *cerrors.Error
	if errors.As(err, &domainErr) {
		body.Code = string(domainErr.Code)
		body.Reason = domainErr.Reason
		body.Recoverable = domainErr.Recoverable
		body.Hint = domainErr.Hint
	}
	res, mErr := textResult(ErrorEnvelope{Error: body})
	if mErr != nil {
		return nil, mErr
	}
	res.IsError = true
	return res, nil
}
