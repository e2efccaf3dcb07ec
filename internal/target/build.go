package target

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/proxy"
)

// Turn is one transcript entry as seen by the builder.
type Turn struct {
	Role            string
	Content         string
	InteractionType string
}

// ChatMessage is the wire shape of a chat-mode history entry.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Build assembles a proxy request for prompt. history is the transcript
// before this turn; only chat mode reads it. c is never modified.
func Build(c Config, prompt string, history []Turn) (*proxy.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(c.Method))
	if method == "" {
		method = "GET"
	}

	target, err := buildURL(c.URL, c.QueryParams, prompt)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(c.Headers))
	hasContentType := false
	for _, h := range c.Headers {
		key := strings.TrimSpace(h.Key)
		if key == "" {
			continue
		}
		if strings.EqualFold(key, "Content-Type") {
			hasContentType = true
		}
		headers[key] = h.Value
	}

	req := &proxy.Request{
		URL:          target,
		Method:       method,
		ResponseType: c.OutputType,
	}

	if method != "GET" && method != "HEAD" {
		req.Body = buildBody(c, prompt, history)
		if !hasContentType && isObject(req.Body) {
			headers["Content-Type"] = "application/json"
		}
	}
	if len(headers) > 0 {
		req.Headers = headers
	}
	return req, nil
}

// ChatHistory returns the trailing run of history since the last completion
// turn, followed by the new user prompt.
func ChatHistory(history []Turn, prompt string) []ChatMessage {
	start := len(history)
	for start > 0 && history[start-1].InteractionType != models.InteractionCompletion {
		start--
	}
	out := make([]ChatMessage, 0, len(history)-start+1)
	for _, t := range history[start:] {
		out = append(out, ChatMessage{Role: t.Role, Content: t.Content})
	}
	return append(out, ChatMessage{Role: models.RoleUser, Content: prompt})
}

func buildURL(raw string, params []KV, prompt string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("target: url: %w", err)
	}
	var pairs []string
	for _, q := range params {
		if q.Key == "" || q.Value == "" {
			continue
		}
		v := strings.ReplaceAll(q.Value, PromptToken, prompt)
		pairs = append(pairs, encodeURIComponent(q.Key)+"="+encodeURIComponent(v))
	}
	if len(pairs) > 0 {
		if u.RawQuery != "" {
			u.RawQuery += "&"
		}
		u.RawQuery += strings.Join(pairs, "&")
	}
	return u.String(), nil
}

func buildBody(c Config, prompt string, history []Turn) any {
	tpl := c.BodyTemplate
	if strings.TrimSpace(tpl) == "" {
		if c.ModelType == ModelChat {
			return map[string]any{"messages": ChatHistory(history, prompt)}
		}
		return map[string]any{"prompt": prompt}
	}

	if strings.Contains(tpl, PromptToken) {
		if !strings.HasPrefix(strings.TrimSpace(tpl), "{") {
			return strings.ReplaceAll(tpl, PromptToken, prompt)
		}
		v, err := proxy.DecodeJSON([]byte(tpl))
		if err != nil {
			return prompt
		}
		return replaceToken(v, prompt)
	}

	v, err := proxy.DecodeJSON([]byte(tpl))
	obj, ok := v.(map[string]any)
	if err != nil || !ok {
		return prompt
	}
	if c.ModelType == ModelChat {
		obj["messages"] = ChatHistory(history, prompt)
	} else {
		obj["prompt"] = prompt
	}
	return obj
}

// replaceToken swaps every string leaf containing the prompt token for the
// raw prompt.
func replaceToken(v any, prompt string) any {
	switch t := v.(type) {
	case string:
		if strings.Contains(t, PromptToken) {
			return prompt
		}
		return t
	case map[string]any:
		for k, child := range t {
			t[k] = replaceToken(child, prompt)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = replaceToken(child, prompt)
		}
		return t
	default:
		return v
	}
}

func isObject(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// encodeURIComponent escapes everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ),
// matching the browser function of the same name.
func encodeURIComponent(s string) string {
	var b bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte("-_.!~*'()", c) >= 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
