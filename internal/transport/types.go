package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is a GraphQL over HTTP request body.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`

	// OperationType is "query", "mutation" or "subscription". Only queries
	// are deduplicated.
	OperationType string `json:"-"`
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is one entry of a response's "errors" list.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string { return e.Message }

// ErrorList is returned when a response carries errors and no data.
type ErrorList []Error

func (l ErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Message
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// Response is a decoded GraphQL response. Numbers are decoded as int when
// integral and float64 otherwise. A Response may be shared between
// deduplicated callers and must not be modified.
type Response struct {
	Data       map[string]any `json:"data"`
	Errors     []Error        `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Err returns the errors of a response without data, or nil.
func (r *Response) Err() error {
	if r.Data == nil && len(r.Errors) > 0 {
		return ErrorList(r.Errors)
	}
	return nil
}

// HTTPError reports a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: http status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: http status %d: %s", e.StatusCode, e.Body)
}

// DecodeResponse decodes a GraphQL response body the way Execute does.
func DecodeResponse(b []byte) (*Response, error) {
	var resp Response
	if err := decodeJSON(b, &resp); err != nil {
		return nil, err
	}
	normalizeNumbers(resp.Data)
	normalizeNumbers(resp.Extensions)
	for i := range resp.Errors {
		normalizeNumbers(resp.Errors[i].Path)
		normalizeNumbers(resp.Errors[i].Extensions)
	}
	return &resp, nil
}

// DecodeVariables decodes a JSON object of operation variables.
func DecodeVariables(b []byte) (map[string]any, error) {
	var vars map[string]any
	if err := decodeJSON(b, &vars); err != nil {
		return nil, err
	}
	normalizeNumbers(vars)
	return vars, nil
}

func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// normalizeNumbers replaces json.Number values in place.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
		return x
	default:
		return v
	}
}
