// Package executor performs the upstream generateAssistantResponse exchange:
// it signs and sends translated request bodies for one identity and turns the
// binary event-stream reply into frame payloads the dialect translators
// consume.
package executor

import "fmt"

// Request is a translated upstream request body.
type Request struct {
	// Payload is the conversationState JSON, before profileArn injection.
	Payload []byte
}

// Options carries per-call execution context.
type Options struct {
	// Model is the client-facing model id, used for token estimation.
	Model string
	// Stream selects the streaming exchange.
	Stream bool
	// RequestID tags log lines for this exchange.
	RequestID string
}

// Response is the aggregated upstream reply for a non-streaming exchange.
type Response struct {
	// Payload is the aggregate reply: content, toolUses, stopReason, usage.
	Payload []byte
}

// StreamChunk is one element of a streaming exchange. Exactly one of Payload
// and Err is set; an Err chunk terminates the stream.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// UpstreamError reports a failed upstream exchange. Status is zero for
// transport failures; InBand marks error envelopes delivered inside an
// otherwise successful event stream.
type UpstreamError struct {
	Status int
	Body   string
	InBand bool
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	case e.InBand:
		return fmt.Sprintf("upstream stream error: %s", e.Body)
	default:
		return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StatusCode reports the HTTP status, zero when the request never completed.
func (e *UpstreamError) StatusCode() int { return e.Status }
