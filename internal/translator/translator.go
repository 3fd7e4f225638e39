// Package translator converts chat requests and responses between the served
// client dialects and the upstream wire format. Transforms operate on raw
// JSON via gjson/sjson; the registry is keyed by (from, to) format pairs and
// populated by the dialect packages' init functions.
package translator

import "context"

// Format names a request/response schema, e.g. the Anthropic Messages
// dialect or the upstream wire format.
type Format string

// String returns the format name.
func (f Format) String() string { return string(f) }

// FromString converts a schema name into a Format.
func FromString(s string) Format { return Format(s) }

// RequestTransform converts a request payload from a source schema to a
// target schema. It receives the model name, the raw JSON payload, and
// whether the client asked for streaming, and returns the converted payload.
type RequestTransform func(model string, rawJSON []byte, stream bool) []byte

// ResponseStreamTransform converts one upstream response event into zero or
// more client-dialect chunks. param carries per-stream state between calls.
type ResponseStreamTransform func(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string

// ResponseNonStreamTransform converts a complete aggregated upstream
// response into a single client-dialect body.
type ResponseNonStreamTransform func(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string

// ResponseTransform groups the streaming and non-streaming response
// transforms for one format pair.
type ResponseTransform struct {
	Stream    ResponseStreamTransform
	NonStream ResponseNonStreamTransform
}
