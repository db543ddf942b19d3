package contextasm

import (
	"strings"
	"testing"
)

func makeHistory(n int) []Message {
	msgs := []Message{{Role: "system", Content: "you are a workflow runner"}}
	for i := 0; i < n; i++ {
		msgs = append(msgs, Message{Role: "user", Content: strings.Repeat("word ", 40)})
	}
	return msgs
}

func TestCompact_NoopWhenUnderBudget(t *testing.T) {
	b := Budgets{ContextLimit: 32000}
	messages := makeHistory(3)
	result := Compact(messages, b, CompactOptions{FirstContinuation: true})
	if len(result.Messages) != len(messages) {
		t.Errorf("Compact trimmed an already-fitting history: got %d, want %d", len(result.Messages), len(messages))
	}
	if result.DroppedCount != 0 {
		t.Errorf("DroppedCount = %d, want 0", result.DroppedCount)
	}
}

func TestCompact_DropsOldestFirst(t *testing.T) {
	b := Budgets{ContextLimit: 600, OutputReserve: 256}
	messages := makeHistory(40)

	result := Compact(messages, b, CompactOptions{FirstContinuation: true})

	if result.DroppedCount == 0 {
		t.Fatal("expected some messages to be dropped")
	}

	last := messages[len(messages)-1]
	found := false
	for _, m := range result.Messages {
		if m.Content == last.Content {
			found = true
		}
	}
	if !found {
		t.Error("most recent message should always survive compaction")
	}
}

func TestCompact_InsertsSummaryAfterLastSystemMessage(t *testing.T) {
	b := Budgets{ContextLimit: 600, OutputReserve: 256}
	messages := makeHistory(40)

	result := Compact(messages, b, CompactOptions{FirstContinuation: true})

	sawSummary := false
	for _, m := range result.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "summarized") {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Error("expected a synthesized system summary message when messages are dropped")
	}
}

func TestCompact_KeepsMustKeepTail(t *testing.T) {
	b := Budgets{ContextLimit: 600, OutputReserve: 256}
	messages := makeHistory(40)
	messages[len(messages)-1].Content = "UNIQUE_TAIL_MARKER"
	messages[len(messages)-2].Content = "UNIQUE_SECOND_TO_LAST"

	result := Compact(messages, b, CompactOptions{FirstContinuation: true})

	joined := ""
	for _, m := range result.Messages {
		joined += m.Content
	}
	if !strings.Contains(joined, "UNIQUE_TAIL_MARKER") || !strings.Contains(joined, "UNIQUE_SECOND_TO_LAST") {
		t.Error("the last two messages must survive compaction regardless of budget")
	}
}

func TestContinuationTarget_FirstContinuationUsesFullReserve(t *testing.T) {
	b := Budgets{ContextLimit: 32000, OutputReserve: 2000}
	got := continuationTarget(b, CompactOptions{FirstContinuation: true})
	if got != 2000 {
		t.Errorf("continuationTarget = %d, want 2000", got)
	}
}

func TestContinuationTarget_SubsequentCapsAt1Point8x(t *testing.T) {
	b := Budgets{ContextLimit: 32000, OutputReserve: 4096}
	got := continuationTarget(b, CompactOptions{LastCompletionTokens: 100})
	if got != 180 {
		t.Errorf("continuationTarget = %d, want 180", got)
	}
}

func TestContinuationTarget_CapNeverExceedsReserve(t *testing.T) {
	b := Budgets{ContextLimit: 32000, OutputReserve: 300}
	got := continuationTarget(b, CompactOptions{LastCompletionTokens: 100000})
	if got != 300 {
		t.Errorf("continuationTarget = %d, want 300 (capped at reserve)", got)
	}
}
