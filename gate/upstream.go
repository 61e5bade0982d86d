package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ChatRequest is the subset of a chat-completion body the gate reads.
// Everything else passes through to the upstream untouched.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens uint64        `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

// ChatMessage keeps Content raw: it is either a plain string or an
// array of multipart content parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseChatRequest decodes a chat-completion body. Callers hold on to
// the result so the body is only parsed once per request.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var chat ChatRequest
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// UpstreamRule routes one model pattern to a provider. Match is an
// exact model name, a prefix ending in '*', or the wildcard "*".
type UpstreamRule struct {
	Match        string            `json:"match"`
	BaseURL      string            `json:"baseUrl"`
	APIKey       string            `json:"apiKey"`
	ModelRewrite map[string]string `json:"modelRewrite,omitempty"`
}

// ResolveUpstream picks the first rule matching the model: exact, then
// prefix, then wildcard. Nil when nothing matches.
func ResolveUpstream(model string, rules []UpstreamRule) *UpstreamRule {
	for i := range rules {
		if rules[i].Match == model {
			return &rules[i]
		}
	}
	for i := range rules {
		match := rules[i].Match
		if len(match) > 1 && strings.HasSuffix(match, "*") &&
			strings.HasPrefix(model, strings.TrimSuffix(match, "*")) {
			return &rules[i]
		}
	}
	for i := range rules {
		if rules[i].Match == "*" {
			return &rules[i]
		}
	}
	return nil
}

// UpstreamResponse is one upstream call's outcome. For streaming
// responses Body is nil and Stream must be drained and closed by the
// caller; otherwise Body holds the full payload and Stream is nil.
type UpstreamResponse struct {
	Status    int
	Header    http.Header
	Body      []byte
	Stream    io.ReadCloser
	Streaming bool
}

// CallUpstream posts the chat-completion body to the rule's provider,
// rewriting the model name when the rule says so. Streaming is detected
// by content type; the caller decides by wantStream whether an
// octet-stream response counts as a stream.
func CallUpstream(ctx context.Context, client *http.Client, rule *UpstreamRule, body []byte, wantStream bool) (*UpstreamResponse, error) {
	body, err := rewriteModel(body, rule.ModelRewrite)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(rule.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+rule.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	streaming := wantStream && resp.StatusCode == http.StatusOK &&
		(strings.Contains(contentType, "text/event-stream") || strings.Contains(contentType, "octet-stream"))
	if streaming {
		return &UpstreamResponse{
			Status:    resp.StatusCode,
			Header:    resp.Header,
			Stream:    resp.Body,
			Streaming: true,
		}, nil
	}

	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %v", err)
	}
	return &UpstreamResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   payload,
	}, nil
}

// rewriteModel swaps the body's model field per the rule's rewrite map,
// leaving every other field byte-identical.
func rewriteModel(body []byte, rewrites map[string]string) ([]byte, error) {
	if len(rewrites) == 0 {
		return body, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	var model string
	if err := json.Unmarshal(fields["model"], &model); err != nil {
		return body, nil
	}
	rewritten, ok := rewrites[model]
	if !ok {
		return body, nil
	}

	encoded, err := json.Marshal(rewritten)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}
