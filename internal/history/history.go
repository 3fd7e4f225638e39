// Package history bounds conversation size before dispatch. The upstream
// rejects overly long conversations with a length error; this package trims
// the oldest turns ahead of time and again, more aggressively, when such an
// error comes back.
package history

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const historyPath = "conversationState.history"

// Budget caps a conversation. Zero or negative values disable that cap.
type Budget struct {
	// MaxChars is the total character budget across all history turns plus
	// the current message.
	MaxChars int
	// MaxTurns is the maximum number of history turns kept.
	MaxTurns int
}

// Halve returns the budget with the character cap cut in half, used after an
// upstream length error. The turn cap is halved as well so a conversation of
// few huge turns still shrinks.
func (b Budget) Halve() Budget {
	out := b
	if out.MaxChars > 0 {
		out.MaxChars /= 2
	}
	if out.MaxTurns > 1 {
		out.MaxTurns /= 2
	}
	return out
}

// Truncate trims the history array of an upstream request body to fit the
// budget. Turns are dropped oldest first in user/assistant pairs so the
// alternating shape is preserved; the current user message is never dropped.
// When the dropped assistant turn carried tool uses, the matching tool
// results on the now-oldest user turn are stripped so no orphaned result
// references a vanished call. Returns the possibly rewritten body and
// whether anything was removed.
func Truncate(body []byte, b Budget) ([]byte, bool) {
	turns := gjson.GetBytes(body, historyPath)
	if !turns.Exists() || !turns.IsArray() {
		return body, false
	}
	items := turns.Array()
	if len(items) == 0 {
		return body, false
	}

	currentChars := len(gjson.GetBytes(body, "conversationState.currentMessage.userInputMessage.content").String())

	drop := 0
	for drop < len(items) {
		kept := items[drop:]
		overTurns := b.MaxTurns > 0 && len(kept) > b.MaxTurns
		overChars := b.MaxChars > 0 && currentChars+turnChars(kept) > b.MaxChars
		if !overTurns && !overChars {
			break
		}
		// Drop a user/assistant pair when both are present, otherwise the
		// single remaining oldest turn.
		if drop+1 < len(items) && isUserTurn(items[drop]) && !isUserTurn(items[drop+1]) {
			drop += 2
		} else {
			drop++
		}
	}
	if drop == 0 {
		return body, false
	}

	out := string(body)
	if drop >= len(items) {
		out, _ = sjson.Set(out, historyPath, []any{})
		return []byte(out), true
	}
	for i := 0; i < drop; i++ {
		// Deleting index 0 repeatedly keeps the paths stable.
		out, _ = sjson.Delete(out, historyPath+".0")
	}
	// The oldest surviving user turn may carry tool results whose tool uses
	// were just dropped.
	first := gjson.Get(out, historyPath+".0")
	if first.Get("userInputMessage.userInputMessageContext.toolResults").Exists() {
		out, _ = sjson.Delete(out, historyPath+".0.userInputMessage.userInputMessageContext.toolResults")
	}
	return []byte(out), true
}

// Chars reports the total character weight of a request body, the same
// measure Truncate budgets against.
func Chars(body []byte) int {
	total := len(gjson.GetBytes(body, "conversationState.currentMessage.userInputMessage.content").String())
	for _, turn := range gjson.GetBytes(body, historyPath).Array() {
		total += turnWeight(turn)
	}
	return total
}

func turnChars(turns []gjson.Result) int {
	total := 0
	for _, turn := range turns {
		total += turnWeight(turn)
	}
	return total
}

func turnWeight(turn gjson.Result) int {
	if msg := turn.Get("userInputMessage"); msg.Exists() {
		return len(msg.Raw)
	}
	if msg := turn.Get("assistantResponseMessage"); msg.Exists() {
		return len(msg.Raw)
	}
	return len(turn.Raw)
}

func isUserTurn(turn gjson.Result) bool {
	return turn.Get("userInputMessage").Exists()
}
