// Package httprequest implements the "http" node handler. Config
// fields (url, method, headers, body) arrive already template-resolved
// by the runner, so unlike the teacher's node this handler does no
// rendering of its own. Retries are the runner's job too:
// executeAttempts already retries a retryable NodeError with backoff,
// so a single attempt per Execute call is enough.
package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "http"

const (
	OutputDefault = "default"
	OutputError   = "error"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// Handler performs a single HTTP request per invocation.
type Handler struct {
	client *http.Client
}

// New builds an http handler using client, or http.DefaultClient when
// client is nil.
func New(client *http.Client) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{client: client}
}

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{
		{Name: "url", Type: model.FieldTypeString, Required: true},
		{Name: "method", Type: model.FieldTypeString},
		{Name: "body", Type: model.FieldTypeString},
	}
}

func (h *Handler) DeclaredCredentials() []string { return nil }
func (h *Handler) DeclaredOutputs() []string      { return []string{OutputDefault, OutputError} }

// Execute performs the request. A network failure or 5xx response is
// returned as a Go error so the runner's retry/backoff applies; a 4xx
// response is a well-formed result routed to the "error" handle since
// retrying it would never succeed.
func (h *Handler) Execute(ctx context.Context, _ map[string]any, config map[string]any, _ any) (model.NodeResult, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return errorResult("missing required field 'url'"), nil
	}

	method := "GET"
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !validMethods[method] {
		return errorResult(fmt.Sprintf("invalid HTTP method: %s", method)), nil
	}

	var reqBody io.Reader
	if b, ok := config["body"].(string); ok && b != "" {
		reqBody = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return model.NodeResult{}, fmt.Errorf("build request: %w", err)
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if reqBody != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return model.NodeResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NodeResult{}, fmt.Errorf("read response: %w", err)
	}

	data := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeader(resp.Header),
		"body":        string(respBody),
	}
	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		data["json"] = parsed
	}

	if resp.StatusCode >= 500 {
		return model.NodeResult{}, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode >= 400 {
		data["error"] = "http " + strconv.Itoa(resp.StatusCode)
		return model.NodeResult{Data: data, OutputHandle: OutputError}, nil
	}

	return model.NodeResult{Data: data, OutputHandle: OutputDefault}, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func errorResult(msg string) model.NodeResult {
	return model.NodeResult{
		Data:         map[string]any{"error": msg},
		OutputHandle: OutputError,
	}
}
