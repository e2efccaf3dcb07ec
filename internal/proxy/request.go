package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
)

// wireRequest defers typing so malformed fields can be reported instead of
// silently dropped.
type wireRequest struct {
	URL          json.RawMessage `json:"url"`
	Method       json.RawMessage `json:"method"`
	Headers      map[string]any  `json:"headers"`
	Body         json.RawMessage `json:"body"`
	ResponseType json.RawMessage `json:"responseType"`
}

// DecodeRequest parses a POST /proxy payload. The url field must be present
// and a JSON string; header values of other scalar types are stringified.
func DecodeRequest(data []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var req Request
	if err := decodeString(w.URL, &req.URL); err != nil || req.URL == "" {
		return Request{}, fmt.Errorf("%w: url is required and must be a string", ErrInvalidInput)
	}
	if err := decodeString(w.Method, &req.Method); err != nil {
		return Request{}, fmt.Errorf("%w: method must be a string", ErrInvalidInput)
	}
	if err := decodeString(w.ResponseType, &req.ResponseType); err != nil {
		return Request{}, fmt.Errorf("%w: responseType must be a string", ErrInvalidInput)
	}

	if len(w.Headers) > 0 {
		req.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			if v == nil {
				continue
			}
			s, err := cast.ToStringE(v)
			if err != nil {
				return Request{}, fmt.Errorf("%w: header %q: %v", ErrInvalidInput, k, err)
			}
			req.Headers[k] = s
		}
	}

	if len(w.Body) > 0 && !bytes.Equal(w.Body, []byte("null")) {
		body, err := DecodeJSON(w.Body)
		if err != nil {
			return Request{}, fmt.Errorf("%w: body: %v", ErrInvalidInput, err)
		}
		req.Body = body
	}
	return req, nil
}

// decodeString accepts an absent or null field, or a JSON string.
func decodeString(raw json.RawMessage, dst *string) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
