package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/masworks/chorus/pkg/protocol"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates the token cost of text. When the encoding cannot be
// loaded (offline cache miss) a bytes/4 heuristic keeps the budget working.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text)/4 + 1
	}
	return len(encoding.Encode(text, nil, nil))
}

func countMessageTokens(msg map[string]any) int {
	return countTokens(protocol.ToJSONString(msg["content"])) + 4
}

// weightedFragment is one candidate for the token-budgeted memory assembly.
type weightedFragment struct {
	order    int
	score    int
	messages []map[string]any
	tokens   int
}

// assembleWeightedMemory greedily keeps the highest-scoring fragments within
// the token budget, then restores conversational order. Score is
// (order+1) x kind weight, so recent fragments win and the short/react
// weights bias between conversation turns and reasoning transcript.
func assembleWeightedMemory(shortPairs, reactFragments [][]map[string]any, weightShort, weightReact, budget int) []map[string]any {
	var frags []weightedFragment
	order := 0
	for _, pair := range shortPairs {
		frags = append(frags, newFragment(order, (order+1)*weightShort, pair))
		order++
	}
	for _, frag := range reactFragments {
		frags = append(frags, newFragment(order, (order+1)*weightReact, frag))
		order++
	}

	picked := make([]bool, len(frags))
	remaining := budget
	for {
		bestIdx := -1
		for i, f := range frags {
			if picked[i] || f.tokens > remaining {
				continue
			}
			if bestIdx < 0 || f.score > frags[bestIdx].score {
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		picked[bestIdx] = true
		remaining -= frags[bestIdx].tokens
	}

	var out []map[string]any
	for i, f := range frags {
		if picked[i] {
			out = append(out, f.messages...)
		}
	}
	return out
}

func newFragment(order, score int, messages []map[string]any) weightedFragment {
	tokens := 0
	for _, m := range messages {
		tokens += countMessageTokens(m)
	}
	return weightedFragment{order: order, score: score, messages: messages, tokens: tokens}
}

// truncateToTokens keeps the tail of text within the token budget, so the
// most recent observations survive.
func truncateToTokens(text string, budget int) string {
	if countTokens(text) <= budget {
		return text
	}
	keep := len(text)
	for keep > 0 && countTokens(text[len(text)-keep:]) > budget {
		keep = keep * 3 / 4
	}
	return text[len(text)-keep:]
}

// trimToBudget drops the oldest non-system messages until the conversation
// fits the token budget.
func trimToBudget(messages []map[string]any, budget int) []map[string]any {
	total := 0
	for _, m := range messages {
		total += countMessageTokens(m)
	}
	out := append([]map[string]any(nil), messages...)
	for total > budget {
		dropped := false
		for i, m := range out {
			if m["role"] == string(protocol.RoleSystem) {
				continue
			}
			total -= countMessageTokens(m)
			out = append(out[:i], out[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
	return out
}
