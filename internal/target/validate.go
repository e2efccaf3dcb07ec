package target

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/zulandar/customgpt/internal/extract"
)

var methods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// Validate checks c before any test or send. All problems are reported
// together.
func Validate(c Config) error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.URL) == "" {
		add("url is required")
	} else if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("invalid URL format: %q", c.URL)
	}

	method := strings.ToUpper(strings.TrimSpace(c.Method))
	if method == "" {
		method = "GET"
	}
	if !methods[method] {
		add("unsupported method %q", c.Method)
	}

	if err := checkPlaceholder(c); err != nil {
		result = multierror.Append(result, err)
	}

	if ct, ok := c.HeaderValue("Content-Type"); ok &&
		strings.Contains(strings.ToLower(ct), "application/json") &&
		method != "GET" && strings.TrimSpace(c.BodyTemplate) != "" &&
		!json.Valid([]byte(c.BodyTemplate)) {
		add("invalid JSON in request body")
	}

	switch c.ModelType {
	case ModelCompletions, ModelChat:
	default:
		add("model_type %q is not one of completions, chat", c.ModelType)
	}

	switch c.OutputType {
	case OutputText, OutputJSON, OutputArrayBuffer:
	default:
		add("output_type %q is not one of text, json, arrayBuffer", c.OutputType)
	}

	expr := strings.TrimSpace(c.ResponseExpression)
	switch {
	case expr == "":
		add("response mapping is required")
	case c.OutputType == OutputText && expr != IdentityExpression:
		add("response mapping must be %q when output type is text", IdentityExpression)
	default:
		if _, err := extract.Compile(expr); err != nil {
			add("invalid response mapping: %v", err)
		}
	}

	return result.ErrorOrNil()
}

// checkPlaceholder requires the prompt token in exactly one place: the body
// template or a single query parameter value.
func checkPlaceholder(c Config) error {
	inBody := strings.Contains(c.BodyTemplate, PromptToken)
	inQuery := 0
	unnamed := false
	for _, q := range c.QueryParams {
		if !strings.Contains(q.Value, PromptToken) {
			continue
		}
		// Build drops parameters without a key.
		if q.Key == "" {
			unnamed = true
			continue
		}
		inQuery++
	}

	switch {
	case unnamed:
		return errors.New(PromptToken + " is in a query parameter with no key")
	case inBody && inQuery > 0:
		return errors.New(PromptToken + " must appear in either the body or a query parameter, not both")
	case inQuery > 1:
		return errors.New(PromptToken + " must appear in only one query parameter")
	case !inBody && inQuery == 0:
		return errors.New(PromptToken + " placeholder is required in the body or one query parameter")
	}
	return nil
}
