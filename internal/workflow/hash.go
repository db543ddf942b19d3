package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/ferretbot/ferretbot/internal/checks"
)

// canonicalFailureHash hashes a step's failed outcome so repeat-identical
// failures can be detected (spec §4.3 no-progress classification). Map keys
// are sorted before marshaling so the hash is stable across runs.
func canonicalFailureHash(resultText string, toolResults []checks.ToolResult, artifacts map[string]string) string {
	type canonical struct {
		Result      string              `json:"result"`
		ToolResults []checks.ToolResult `json:"toolResults"`
		Artifacts   []kv                `json:"artifacts"`
	}

	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]kv, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kv{Key: k, Value: artifacts[k]})
	}

	data, _ := json.Marshal(canonical{Result: resultText, ToolResults: toolResults, Artifacts: pairs})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type kv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
