package contextasm

import "math"

// classification buckets for continuation compaction (spec §4.5).
type classification int

const (
	mustKeep classification = iota
	keepIfPossible
	evictFirst
)

const (
	keepIfPossibleWindow = 8
	mustKeepTailSize     = 2
	maxSnippets          = 6
	snippetChars         = 80
	minSummaryChars      = 16
)

// CompactOptions parameterizes one compaction pass.
type CompactOptions struct {
	LastCompletionTokens int
	FirstContinuation    bool
}

// CompactResult is the outcome of trimming a message history back under the
// input budget ahead of a continuation turn.
type CompactResult struct {
	Messages           []Message
	DroppedCount       int
	ContinuationTarget int
}

// classify assigns each message index a retention priority: system messages
// and the last two turns are never dropped; the next keepIfPossibleWindow
// messages before that are dropped only if still over budget; everything
// older is dropped first.
func classify(messages []Message) []classification {
	n := len(messages)
	classes := make([]classification, n)

	tailStart := n - mustKeepTailSize
	if tailStart < 0 {
		tailStart = 0
	}

	keepWindowStart := tailStart - keepIfPossibleWindow
	if keepWindowStart < 0 {
		keepWindowStart = 0
	}

	for i, m := range messages {
		switch {
		case m.Role == "system":
			classes[i] = mustKeep
		case i >= tailStart:
			classes[i] = mustKeep
		case i >= keepWindowStart:
			classes[i] = keepIfPossible
		default:
			classes[i] = evictFirst
		}
	}
	return classes
}

// Compact trims messages to fit within b's input budget, synthesizing a
// system summary of anything it drops (spec §4.5 continuation compaction).
func Compact(messages []Message, b Budgets, opts CompactOptions) CompactResult {
	charsPerToken, safetyMargin := b.resolveEstimatorParams()
	budget := b.inputBudget()

	total := func(msgs []Message) int {
		sum := 0
		for _, m := range msgs {
			sum += estimateTokens(m.Content, charsPerToken, safetyMargin)
		}
		return sum
	}

	if total(messages) <= budget {
		return CompactResult{
			Messages:           messages,
			ContinuationTarget: continuationTarget(b, opts),
		}
	}

	classes := classify(messages)
	kept := make([]bool, len(messages))
	for i := range kept {
		kept[i] = true
	}

	var dropped []Message
	evictInOrder := func(target classification) {
		for i := range messages {
			if !kept[i] || classes[i] != target {
				continue
			}
			if remaining(messages, kept, charsPerToken, safetyMargin) <= budget {
				return
			}
			kept[i] = false
			dropped = append(dropped, messages[i])
		}
	}

	evictInOrder(evictFirst)
	if remaining(messages, kept, charsPerToken, safetyMargin) > budget {
		evictInOrder(keepIfPossible)
	}

	var survivors []Message
	lastSystemIdx := -1
	for i, m := range messages {
		if !kept[i] {
			continue
		}
		survivors = append(survivors, m)
		if m.Role == "system" {
			lastSystemIdx = len(survivors) - 1
		}
	}

	if len(dropped) > 0 {
		summary := summarize(dropped, budget-remaining(messages, kept, charsPerToken, safetyMargin), charsPerToken, safetyMargin)
		insertAt := lastSystemIdx + 1
		survivors = append(survivors[:insertAt], append([]Message{{Role: "system", Content: summary}}, survivors[insertAt:]...)...)
	}

	return CompactResult{
		Messages:           survivors,
		DroppedCount:       len(dropped),
		ContinuationTarget: continuationTarget(b, opts),
	}
}

func remaining(messages []Message, kept []bool, charsPerToken, safetyMargin float64) int {
	sum := 0
	for i, m := range messages {
		if kept[i] {
			sum += estimateTokens(m.Content, charsPerToken, safetyMargin)
		}
	}
	return sum
}

// summarize renders up to maxSnippets bounded-length fragments of dropped
// messages, shrinking by 20% increments until it fits headroom tokens.
func summarize(dropped []Message, headroom int, charsPerToken, safetyMargin float64) string {
	n := len(dropped)
	start := 0
	if n > maxSnippets {
		start = n - maxSnippets
	}
	snippets := dropped[start:]

	render := func(chars int) string {
		out := "[earlier context summarized]"
		for _, m := range snippets {
			s := m.Content
			if len([]rune(s)) > chars {
				s = string([]rune(s)[:chars]) + "..."
			}
			out += "\n- " + s
		}
		return out
	}

	chars := snippetChars
	text := render(chars)
	for headroom > 0 && estimateTokens(text, charsPerToken, safetyMargin) > headroom && chars > minSummaryChars {
		chars = int(float64(chars) * 0.8)
		if chars < minSummaryChars {
			chars = minSummaryChars
		}
		text = render(chars)
	}
	return text
}

// continuationTarget derives the output budget for a continuation turn: the
// full dynamic reserve on the first continuation, otherwise capped at 1.8x
// the previous completion so runaway generations don't monopolize the
// window (spec §4.5).
func continuationTarget(b Budgets, opts CompactOptions) int {
	reserve := b.resolveOutputReserve()
	if opts.FirstContinuation || opts.LastCompletionTokens <= 0 {
		return reserve
	}
	capped := int(math.Ceil(float64(opts.LastCompletionTokens) * 1.8))
	if capped < reserve {
		return capped
	}
	return reserve
}
