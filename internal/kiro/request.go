// Package kiro implements the CodeWhisperer upstream protocol: request
// envelope assembly, wire headers, and upstream error classification. The
// dialect translators normalize client payloads into the pieces of a
// conversationState; this package owns the envelope shape itself.
package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultOrigin tags upstream messages as editor traffic, the origin the
// CodeWhisperer endpoint expects.
const DefaultOrigin = "AI_EDITOR"

// envelopeTemplate is the skeleton of a generateAssistantResponse body. The
// profileArn is injected later by the executor from the acting credentials.
const envelopeTemplate = `{"conversationState":{"chatTriggerType":"MANUAL","conversationId":"","currentMessage":{"userInputMessage":{"content":"","modelId":"","origin":"","userInputMessageContext":{}}},"history":[]}}`

// Envelope carries the normalized pieces a dialect translator extracts from a
// client request. Raw fields hold pre-serialized JSON and are attached
// verbatim; empty slices are omitted from the wire body.
type Envelope struct {
	// ConversationID is the stable conversation identifier, sixteen hex chars.
	ConversationID string
	// Content is the current user message text.
	Content string
	// ModelID is the upstream model identifier.
	ModelID string
	// Origin tags the message source, normally AI_EDITOR.
	Origin string
	// HistoryRaw is a JSON array of alternating userInputMessage /
	// assistantResponseMessage turns.
	HistoryRaw []byte
	// ToolsRaw is a JSON array of toolSpecification wrappers.
	ToolsRaw []byte
	// ToolResultsRaw is a JSON array of tool results for the current message.
	ToolResultsRaw []byte
	// ImagesRaw is a JSON array of {format, source:{bytes}} image records.
	ImagesRaw []byte
}

// BuildRequest serializes the envelope into the upstream request body.
// Empty current-message content is replaced with a placeholder because the
// upstream rejects empty content strings.
func BuildRequest(env Envelope) []byte {
	content := env.Content
	if strings.TrimSpace(content) == "" {
		content = "Continue"
	}

	out := envelopeTemplate
	out, _ = sjson.Set(out, "conversationState.conversationId", env.ConversationID)
	out, _ = sjson.Set(out, "conversationState.currentMessage.userInputMessage.content", content)
	out, _ = sjson.Set(out, "conversationState.currentMessage.userInputMessage.modelId", env.ModelID)
	out, _ = sjson.Set(out, "conversationState.currentMessage.userInputMessage.origin", env.Origin)

	if len(env.HistoryRaw) > 0 && gjson.ParseBytes(env.HistoryRaw).IsArray() {
		out, _ = sjson.SetRaw(out, "conversationState.history", string(env.HistoryRaw))
	}
	if len(env.ToolsRaw) > 0 && gjson.ParseBytes(env.ToolsRaw).IsArray() {
		out, _ = sjson.SetRaw(out, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools", string(env.ToolsRaw))
	}
	if len(env.ToolResultsRaw) > 0 && gjson.ParseBytes(env.ToolResultsRaw).IsArray() {
		out, _ = sjson.SetRaw(out, "conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults", string(env.ToolResultsRaw))
	}
	if len(env.ImagesRaw) > 0 && gjson.ParseBytes(env.ImagesRaw).IsArray() {
		out, _ = sjson.SetRaw(out, "conversationState.currentMessage.userInputMessage.images", string(env.ImagesRaw))
	}
	return []byte(out)
}

// OverrideOrigin rewrites the origin tag on the current message and on every
// history turn that carries one. The translators emit DefaultOrigin; a
// configured origin is applied here, at dispatch time, so hot reloads take
// effect without re-translating.
func OverrideOrigin(body []byte, origin string) []byte {
	out, err := sjson.SetBytes(body, "conversationState.currentMessage.userInputMessage.origin", origin)
	if err != nil {
		return body
	}
	for i, turn := range gjson.GetBytes(out, "conversationState.history").Array() {
		if turn.Get("userInputMessage.origin").Exists() {
			out, _ = sjson.SetBytes(out, "conversationState.history."+strconv.Itoa(i)+".userInputMessage.origin", origin)
		}
	}
	return out
}

// AlternateHistory enforces the upstream's strictly alternating
// user/assistant history shape. Where the source conversation carries two
// consecutive same-role turns, an empty bridging turn of the other role is
// inserted. turns holds pre-serialized history turn objects.
func AlternateHistory(turns []string, modelID, origin string) []string {
	if len(turns) == 0 {
		return turns
	}
	bridgeAssistant := `{"assistantResponseMessage":{"content":"","toolUses":[]}}`
	bridgeUser, _ := sjson.Set(`{"userInputMessage":{"content":"Continue","modelId":"","origin":""}}`, "userInputMessage.modelId", modelID)
	bridgeUser, _ = sjson.Set(bridgeUser, "userInputMessage.origin", origin)

	out := make([]string, 0, len(turns))
	for _, turn := range turns {
		isUser := gjson.Get(turn, "userInputMessage").Exists()
		if len(out) > 0 {
			prevUser := gjson.Get(out[len(out)-1], "userInputMessage").Exists()
			if prevUser && isUser {
				out = append(out, bridgeAssistant)
			} else if !prevUser && !isUser {
				out = append(out, bridgeUser)
			}
		} else if !isUser {
			// History must open with a user turn.
			out = append(out, bridgeUser)
		}
		out = append(out, turn)
	}
	// And close with an assistant turn, since the current message is the
	// next user turn.
	if gjson.Get(out[len(out)-1], "userInputMessage").Exists() {
		out = append(out, bridgeAssistant)
	}
	return out
}

// JoinTurns serializes a turn list into a JSON array.
func JoinTurns(turns []string) []byte {
	if len(turns) == 0 {
		return nil
	}
	return []byte("[" + strings.Join(turns, ",") + "]")
}

// SessionFingerprint derives a stable sixteen hex char conversation
// identifier from the leading turns of a client request, so that follow-up
// turns of the same conversation hash identically regardless of the trailing
// messages. It understands the message arrays of all served dialects and
// falls back to hashing the whole body.
func SessionFingerprint(rawJSON []byte) string {
	for _, path := range []string{"messages", "input", "contents"} {
		v := gjson.GetBytes(rawJSON, path)
		if !v.Exists() {
			continue
		}
		if v.IsArray() {
			items := v.Array()
			n := len(items)
			if n > 3 {
				n = 3
			}
			var b strings.Builder
			for i := 0; i < n; i++ {
				b.WriteString(items[i].Raw)
			}
			return fingerprint(b.String())
		}
		s := v.String()
		if len(s) > 100 {
			s = s[:100]
		}
		return fingerprint(s)
	}
	return fingerprint(string(rawJSON))
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
