// Package contextasm implements the layered, token-budgeted prompt builder
// (spec §4.5): it allocates a finite input window across prioritized layers
// and computes a safe dynamic output reserve.
package contextasm

import "math"

// Layer identifies one of the fixed prompt layers allocation proceeds
// through in order, plus the conversation and user layers that consume
// whatever budget remains.
type Layer string

const (
	LayerSystem       Layer = "system"
	LayerStep         Layer = "step"
	LayerSkills       Layer = "skills"
	LayerPrior        Layer = "prior"
	LayerConversation Layer = "conversation"
	LayerUser         Layer = "user"
)

// fixedLayerOrder is the allocation order for the pre-computed-budget layers
// (spec §4.5 "Allocation order"). Conversation and user layers are not
// pre-budgeted; they consume whatever remains after the fixed layers.
var fixedLayerOrder = []Layer{LayerSystem, LayerStep, LayerSkills, LayerPrior}

// LayerWeight is the default share of inputBudget a fixed layer receives,
// subject to its minimum token floor.
type LayerWeight struct {
	Weight float64
	Min    int
}

// DefaultWeights are FerretBot's layer defaults; callers may override any
// subset via Budgets.Explicit.
var DefaultWeights = map[Layer]LayerWeight{
	LayerSystem: {Weight: 0.10, Min: 150},
	LayerStep:   {Weight: 0.30, Min: 300},
	LayerSkills: {Weight: 0.15, Min: 0},
	LayerPrior:  {Weight: 0.15, Min: 0},
}

// Budgets configures one BuildMessages call.
type Budgets struct {
	ContextLimit           int
	OutputReserve          int // 0 means derive per spec's clamp formula
	CompletionSafetyBuffer int // 0 means default 32
	CharsPerToken          float64
	SafetyMargin           float64

	// Weights overrides DefaultWeights for the fixed layers; nil uses defaults.
	Weights map[Layer]LayerWeight

	// Explicit pins an exact token budget for a fixed layer, bypassing its
	// weight. If the fixed layers' budgets (explicit and weight-derived
	// together) sum above inputBudget, all of them are scaled down
	// proportionally with the rounding remainder distributed to the largest
	// budget (spec §4.5).
	Explicit map[Layer]int
}

func (b Budgets) resolveOutputReserve() int {
	if b.OutputReserve > 0 {
		return clamp(b.OutputReserve, 256, 4096)
	}
	derived := int(math.Ceil(float64(b.ContextLimit) * 0.15))
	return clamp(derived, 256, 4096)
}

func (b Budgets) resolveSafetyBuffer() int {
	if b.CompletionSafetyBuffer > 0 {
		return b.CompletionSafetyBuffer
	}
	return 32
}

func (b Budgets) resolveEstimatorParams() (charsPerToken, safetyMargin float64) {
	charsPerToken = b.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	safetyMargin = b.SafetyMargin
	if safetyMargin <= 0 {
		safetyMargin = 1.1
	}
	return
}

// inputBudget returns contextLimit - outputReserve.
func (b Budgets) inputBudget() int {
	return b.ContextLimit - b.resolveOutputReserve()
}

// layerBudgets computes the fixed layers' token budgets, honoring explicit
// overrides and weight defaults, scaling all of them proportionally if their
// sum would exceed the available input budget.
func (b Budgets) layerBudgets() map[Layer]int {
	weights := b.Weights
	if weights == nil {
		weights = DefaultWeights
	}
	input := b.inputBudget()

	budgets := make(map[Layer]int, len(fixedLayerOrder))
	for _, l := range fixedLayerOrder {
		if v, ok := b.Explicit[l]; ok {
			budgets[l] = v
			continue
		}
		w := weights[l]
		budgets[l] = max(w.Min, int(math.Round(w.Weight*float64(input))))
	}

	sum := 0
	for _, v := range budgets {
		sum += v
	}
	if sum <= input || sum == 0 {
		return budgets
	}

	// Scale proportionally, distributing the rounding remainder to the
	// largest layer so totals land exactly on the input budget.
	scaled := make(map[Layer]int, len(budgets))
	scaledSum := 0
	var largest Layer
	largestVal := -1
	for l, v := range budgets {
		sv := int(math.Floor(float64(v) * float64(input) / float64(sum)))
		scaled[l] = sv
		scaledSum += sv
		if v > largestVal {
			largestVal = v
			largest = l
		}
	}
	scaled[largest] += input - scaledSum
	return scaled
}

func estimateTokens(text string, charsPerToken, safetyMargin float64) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(text))) / charsPerToken * safetyMargin))
}

// truncateToTokens truncates text to fit within budget tokens, appending a
// "..." sentinel when truncation occurs, per spec §4.5.
func truncateToTokens(text string, budget int, charsPerToken, safetyMargin float64) string {
	if budget <= 0 {
		return ""
	}
	if estimateTokens(text, charsPerToken, safetyMargin) <= budget {
		return text
	}

	const sentinel = "..."
	maxChars := int(float64(budget)/safetyMargin*charsPerToken) - len([]rune(sentinel))
	if maxChars <= 0 {
		return sentinel
	}

	runes := []rune(text)
	if maxChars > len(runes) {
		maxChars = len(runes)
	}
	return string(runes[:maxChars]) + sentinel
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
