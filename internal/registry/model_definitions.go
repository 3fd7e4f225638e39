// Package registry provides model definitions and lookup helpers for the
// models served through the CodeWhisperer upstream. Static model metadata is
// stored in model_definitions_static_data.go.
package registry

import "strings"

// ModelInfo describes a single servable model. The same record feeds the
// OpenAI, Anthropic and Gemini listing shapes, so it carries the superset of
// the fields those dialects expose.
type ModelInfo struct {
	// ID is the client-facing model identifier.
	ID string `json:"id"`
	// Object is the OpenAI object tag, always "model".
	Object string `json:"object"`
	// Created is the release date as a unix timestamp.
	Created int64 `json:"created"`
	// OwnedBy reports the model vendor.
	OwnedBy string `json:"owned_by"`
	// Type is the handler channel the model belongs to.
	Type string `json:"type"`
	// DisplayName is the human readable name used by the Anthropic and
	// Gemini listing shapes.
	DisplayName string `json:"display_name,omitempty"`
	// Version is the Gemini model version string.
	Version string `json:"version,omitempty"`
	// Description is the Gemini model description.
	Description string `json:"description,omitempty"`
	// InputTokenLimit and OutputTokenLimit feed the Gemini listing shape.
	InputTokenLimit  int `json:"input_token_limit,omitempty"`
	OutputTokenLimit int `json:"output_token_limit,omitempty"`
	// Upstream is the CodeWhisperer model identifier sent in
	// conversationState; empty means the client id passes through.
	Upstream string `json:"-"`
}

// UpstreamModelID translates a client-facing model id to the identifier the
// upstream expects. Unknown ids pass through unchanged so that new upstream
// models work without a registry update.
func UpstreamModelID(modelID string) string {
	key := strings.TrimSpace(modelID)
	if key == "" {
		return modelID
	}
	if m := LookupModelInfo(key); m != nil && m.Upstream != "" {
		return m.Upstream
	}
	return key
}

// LookupModelInfo finds a model by its client-facing id. Returns nil when the
// id is not registered.
func LookupModelInfo(modelID string) *ModelInfo {
	if modelID == "" {
		return nil
	}
	for _, m := range GetKiroModels() {
		if m != nil && m.ID == modelID {
			return m
		}
	}
	return nil
}

// ModelIDs returns the client-facing ids of all registered models in listing
// order.
func ModelIDs() []string {
	models := GetKiroModels()
	ids := make([]string, 0, len(models))
	for _, m := range models {
		if m != nil {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
