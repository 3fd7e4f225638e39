package history

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func bodyWithHistory(turns ...string) []byte {
	return []byte(fmt.Sprintf(
		`{"conversationState":{"conversationId":"c","currentMessage":{"userInputMessage":{"content":"now"}},"history":[%s]}}`,
		strings.Join(turns, ","),
	))
}

func userTurn(content string) string {
	return fmt.Sprintf(`{"userInputMessage":{"content":%q,"modelId":"m","origin":"AI_EDITOR"}}`, content)
}

func assistantTurn(content string) string {
	return fmt.Sprintf(`{"assistantResponseMessage":{"content":%q,"toolUses":[]}}`, content)
}

func TestTruncate_NoopWithinBudget(t *testing.T) {
	body := bodyWithHistory(userTurn("a"), assistantTurn("b"))
	out, changed := Truncate(body, Budget{MaxChars: 100000, MaxTurns: 100})
	if changed {
		t.Fatal("budget not exceeded, nothing should change")
	}
	if string(out) != string(body) {
		t.Error("body rewritten without truncation")
	}
}

func TestTruncate_DropsOldestPairsOnTurnBudget(t *testing.T) {
	body := bodyWithHistory(
		userTurn("one"), assistantTurn("two"),
		userTurn("three"), assistantTurn("four"),
		userTurn("five"), assistantTurn("six"),
	)
	out, changed := Truncate(body, Budget{MaxTurns: 4})
	if !changed {
		t.Fatal("expected truncation")
	}
	kept := gjson.GetBytes(out, "conversationState.history").Array()
	if len(kept) != 4 {
		t.Fatalf("kept %d turns, want 4", len(kept))
	}
	if got := kept[0].Get("userInputMessage.content").String(); got != "three" {
		t.Errorf("oldest surviving turn = %q, want the second user turn", got)
	}
	// Alternation preserved: user first, assistant last.
	if !kept[0].Get("userInputMessage").Exists() {
		t.Error("history must still open with a user turn")
	}
	if !kept[len(kept)-1].Get("assistantResponseMessage").Exists() {
		t.Error("history must still close with an assistant turn")
	}
}

func TestTruncate_CharBudgetCountsCurrentMessage(t *testing.T) {
	big := strings.Repeat("x", 400)
	body := bodyWithHistory(userTurn(big), assistantTurn(big), userTurn("small"), assistantTurn("tail"))
	out, changed := Truncate(body, Budget{MaxChars: 300})
	if !changed {
		t.Fatal("expected truncation under char budget")
	}
	kept := gjson.GetBytes(out, "conversationState.history").Array()
	if len(kept) != 2 {
		t.Fatalf("kept %d turns, want 2", len(kept))
	}
	if kept[0].Get("userInputMessage.content").String() != "small" {
		t.Errorf("wrong surviving pair: %s", kept[0].Raw)
	}
}

func TestTruncate_NeverDropsCurrentMessage(t *testing.T) {
	body := bodyWithHistory(userTurn(strings.Repeat("y", 500)), assistantTurn("z"))
	out, changed := Truncate(body, Budget{MaxChars: 10})
	if !changed {
		t.Fatal("expected truncation")
	}
	if got := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.content").String(); got != "now" {
		t.Errorf("current message content = %q, want untouched", got)
	}
	if raw := gjson.GetBytes(out, "conversationState.history").Raw; raw != "[]" {
		t.Errorf("expected fully drained history, got %s", raw)
	}
}

func TestTruncate_StripsOrphanedToolResults(t *testing.T) {
	toolUser := `{"userInputMessage":{"content":"result","modelId":"m","origin":"AI_EDITOR","userInputMessageContext":{"toolResults":[{"toolUseId":"t1","status":"success","content":[{"text":"42"}]}]}}}`
	body := bodyWithHistory(
		userTurn("start"),
		`{"assistantResponseMessage":{"content":"","toolUses":[{"toolUseId":"t1","name":"f","input":{}}]}}`,
		toolUser,
		assistantTurn("done"),
	)
	out, changed := Truncate(body, Budget{MaxTurns: 2})
	if !changed {
		t.Fatal("expected truncation")
	}
	first := gjson.GetBytes(out, "conversationState.history.0")
	if first.Get("userInputMessage.userInputMessageContext.toolResults").Exists() {
		t.Error("orphaned tool results must be stripped from the new oldest turn")
	}
	if first.Get("userInputMessage.content").String() != "result" {
		t.Errorf("unexpected surviving turn: %s", first.Raw)
	}
}

func TestTruncate_Monotone(t *testing.T) {
	body := bodyWithHistory(
		userTurn(strings.Repeat("a", 100)), assistantTurn(strings.Repeat("b", 100)),
		userTurn(strings.Repeat("c", 100)), assistantTurn(strings.Repeat("d", 100)),
	)
	small, _ := Truncate(body, Budget{MaxChars: 250})
	smaller, _ := Truncate(body, Budget{MaxChars: 120})
	if Chars(smaller) > Chars(small) {
		t.Errorf("tighter budget kept more: %d > %d", Chars(smaller), Chars(small))
	}
}

func TestTruncate_MissingHistory(t *testing.T) {
	body := []byte(`{"conversationState":{"currentMessage":{"userInputMessage":{"content":"hi"}}}}`)
	out, changed := Truncate(body, Budget{MaxChars: 1})
	if changed {
		t.Error("no history array, nothing to truncate")
	}
	if string(out) != string(body) {
		t.Error("body must pass through unchanged")
	}
}

func TestHalve(t *testing.T) {
	b := Budget{MaxChars: 1000, MaxTurns: 40}
	h := b.Halve()
	if h.MaxChars != 500 || h.MaxTurns != 20 {
		t.Errorf("Halve() = %+v", h)
	}
	if z := (Budget{}).Halve(); z.MaxChars != 0 || z.MaxTurns != 0 {
		t.Errorf("halving a zero budget must stay zero, got %+v", z)
	}
}
