// Package target describes an HTTP endpoint to chat with and turns a prompt
// into a proxy request for it.
package target

import (
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/customgpt/internal/models"
	"gopkg.in/yaml.v3"
)

// PromptToken marks where the user's prompt is substituted.
const PromptToken = "{{prompt}}"

// Model types.
const (
	ModelCompletions = "completions"
	ModelChat        = "chat"
)

// Output types. They double as the proxy responseType.
const (
	OutputText        = "text"
	OutputJSON        = "json"
	OutputArrayBuffer = "arrayBuffer"
)

// IdentityExpression extracts the whole response body.
const IdentityExpression = "response"

// DefaultExpression is the mapping offered for OpenAI-style completion APIs.
const DefaultExpression = "response.choices[0].text"

// KV is an ordered header or query parameter entry.
type KV struct {
	Key   string `yaml:"key" json:"key"`
	Value string `yaml:"value" json:"value"`
}

// Config is a user-authored description of an HTTP endpoint.
type Config struct {
	Name               string `yaml:"name" json:"name"`
	Method             string `yaml:"method" json:"method"`
	URL                string `yaml:"url" json:"url"`
	Headers            []KV   `yaml:"headers" json:"headers"`
	QueryParams        []KV   `yaml:"query_params" json:"query_params"`
	BodyTemplate       string `yaml:"body_template" json:"body_template"`
	ModelType          string `yaml:"model_type" json:"model_type"`
	OutputType         string `yaml:"output_type" json:"output_type"`
	ResponseExpression string `yaml:"response_expression" json:"response_expression"`
}

// Default returns a Config with the documented defaults filled in.
func Default() Config {
	return Config{
		Name:               "default",
		Method:             "GET",
		ModelType:          ModelCompletions,
		OutputType:         OutputJSON,
		ResponseExpression: DefaultExpression,
	}
}

// Load reads a target description from a YAML file. Keys absent from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals a YAML target description over Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("target: parse: %w", err)
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	return &cfg, nil
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.Headers = append([]KV(nil), c.Headers...)
	out.QueryParams = append([]KV(nil), c.QueryParams...)
	return out
}

// HeaderValue returns the value of the first header whose key matches name
// case-insensitively.
func (c Config) HeaderValue(name string) (string, bool) {
	for _, h := range c.Headers {
		if strings.EqualFold(strings.TrimSpace(h.Key), name) {
			return h.Value, true
		}
	}
	return "", false
}

// InteractionType maps the model type to the interaction type stored on
// messages.
func (c Config) InteractionType() string {
	if c.ModelType == ModelChat {
		return models.InteractionChat
	}
	return models.InteractionCompletion
}
