package contextasm

// Turn is one line of prior conversation, oldest-last callers may pass in
// either order; Input.ConversationTurns is always read newest-first.
type Turn struct {
	Role    string
	Content string
}

// Message is one entry of the assembled prompt, in the order the provider
// should see them.
type Message struct {
	Role    string
	Content string
}

// Input is everything BuildMessages needs to assemble one prompt.
type Input struct {
	SystemPrompt      string
	StepInstruction   string
	SkillsText        string
	PriorContext      string
	ConversationTurns []Turn // newest first
	UserInput         string
}

// TokenUsage reports what BuildMessages actually spent, broken down by
// layer; the sum of Layers always equals UsedInputTokens (spec §4.5,
// testable scenario 6).
type TokenUsage struct {
	Layers          map[Layer]int
	UsedInputTokens int
}

// Output is the result of one BuildMessages call.
type Output struct {
	Messages        []Message
	TokenUsage      TokenUsage
	MaxOutputTokens int
}

// BuildMessages assembles a token-budgeted prompt from in, allocating the
// fixed layers in order and giving conversation turns (newest to oldest)
// whatever remains (spec §4.5).
func BuildMessages(b Budgets, in Input) Output {
	charsPerToken, safetyMargin := b.resolveEstimatorParams()
	budgets := b.layerBudgets()
	remaining := b.inputBudget()

	usage := make(map[Layer]int, 6)
	var messages []Message

	take := func(layer Layer, role, text string) {
		if text == "" {
			usage[layer] = 0
			return
		}
		budget := budgets[layer]
		if budget > remaining {
			budget = remaining
		}
		if budget < 0 {
			budget = 0
		}

		used := estimateTokens(text, charsPerToken, safetyMargin)
		if used > budget {
			text = truncateToTokens(text, budget, charsPerToken, safetyMargin)
			used = estimateTokens(text, charsPerToken, safetyMargin)
		}

		usage[layer] = used
		remaining -= used
		if remaining < 0 {
			remaining = 0
		}
		messages = append(messages, Message{Role: role, Content: text})
	}

	take(LayerSystem, "system", in.SystemPrompt)
	take(LayerStep, "system", in.StepInstruction)
	take(LayerSkills, "system", in.SkillsText)
	take(LayerPrior, "system", in.PriorContext)

	// Conversation: newest-to-oldest until the remaining budget is
	// exhausted, then reversed back to chronological order.
	var selected []Turn
	convUsed := 0
	for _, t := range in.ConversationTurns {
		cost := estimateTokens(t.Content, charsPerToken, safetyMargin)
		if convUsed+cost > remaining {
			break
		}
		selected = append(selected, t)
		convUsed += cost
	}
	usage[LayerConversation] = convUsed
	remaining -= convUsed
	if remaining < 0 {
		remaining = 0
	}
	for i := len(selected) - 1; i >= 0; i-- {
		messages = append(messages, Message{Role: selected[i].Role, Content: selected[i].Content})
	}

	if in.UserInput != "" {
		text := in.UserInput
		used := estimateTokens(text, charsPerToken, safetyMargin)
		if used > remaining {
			text = truncateToTokens(text, remaining, charsPerToken, safetyMargin)
			used = estimateTokens(text, charsPerToken, safetyMargin)
		}
		usage[LayerUser] = used
		remaining -= used
		messages = append(messages, Message{Role: "user", Content: text})
	} else {
		usage[LayerUser] = 0
	}

	usedInput := 0
	for _, v := range usage {
		usedInput += v
	}

	safetyBuffer := b.resolveSafetyBuffer()
	maxOutput := b.ContextLimit - usedInput - safetyBuffer
	if maxOutput < 1 {
		maxOutput = 1
	}

	return Output{
		Messages:        messages,
		TokenUsage:      TokenUsage{Layers: usage, UsedInputTokens: usedInput},
		MaxOutputTokens: maxOutput,
	}
}
