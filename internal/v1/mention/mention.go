// Package mention extracts @name tokens from message text and resolves
// them to LLM configurations.
package mention

import (
	"regexp"
	"strings"

	"github.com/parleyhq/parley/internal/v1/types"
)

// Mention tokens are runs of word characters, CJK characters, and hyphens
// after an @.
var tokenRe = regexp.MustCompile(`@([\w\x{4e00}-\x{9fff}-]+)`)

// @all / @everyone must stand alone as whole tokens. RE2 has no lookaround,
// so the boundaries are matched explicitly.
var allRe = regexp.MustCompile(`(?i)(?:^|[^\w\x{4e00}-\x{9fff}])@(?:all|everyone)(?:$|[^\w\x{4e00}-\x{9fff}])`)

// Normalize strips the leading @, trailing sentence punctuation, and case
// from a mention token so client hints and text scans compare equal.
func Normalize(token string) string {
	t := strings.TrimSpace(token)
	t = strings.TrimLeft(t, "@")
	t = strings.TrimRight(t, ".,!?;:")
	return strings.ToLower(t)
}

// ExtractTokens returns the raw mention tokens found in content, in order
// of occurrence.
func ExtractTokens(content string) []string {
	matches := tokenRe.FindAllStringSubmatch(content, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1])
	}
	return tokens
}

// MentionsAll reports whether content addresses every LLM in the room.
func MentionsAll(content string) bool {
	return allRe.MatchString(content)
}

// lookupIndex maps normalized names to LLM configs. Keys cover the id, the
// display name, and the display name with spaces replaced by underscores.
func lookupIndex(llms []types.LLMConfig) map[string]types.LLMConfig {
	index := make(map[string]types.LLMConfig, len(llms)*3)
	for _, llm := range llms {
		index[strings.ToLower(string(llm.ID))] = llm
		name := strings.ToLower(llm.DisplayName)
		index[name] = llm
		index[strings.ReplaceAll(name, " ", "_")] = llm
	}
	return index
}

// MatchLLMs resolves the mentions in a message to LLM configurations.
// Client-provided hints are merged with text-scanned tokens; duplicates
// collapse to the first occurrence, and the result keeps that order.
// @all and @everyone resolve to every LLM in the room.
func MatchLLMs(content string, clientMentions []string, room types.Room) []types.LLMConfig {
	var tokens []string
	seen := make(map[string]struct{})
	for _, raw := range append(append([]string(nil), clientMentions...), ExtractTokens(content)...) {
		n := Normalize(raw)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		tokens = append(tokens, n)
	}

	mentionsAll := MentionsAll(content)
	if !mentionsAll {
		for _, t := range tokens {
			if t == "all" || t == "everyone" {
				mentionsAll = true
				break
			}
		}
	}
	if mentionsAll {
		return append([]types.LLMConfig(nil), room.LLMs...)
	}

	index := lookupIndex(room.LLMs)
	var matched []types.LLMConfig
	matchedIDs := make(map[types.LLMID]struct{})
	for _, t := range tokens {
		llm, ok := index[t]
		if !ok {
			continue
		}
		if _, dup := matchedIDs[llm.ID]; dup {
			continue
		}
		matchedIDs[llm.ID] = struct{}{}
		matched = append(matched, llm)
	}
	return matched
}

// MatchLLMByName resolves a single display name, as produced by a mention
// tool call or scanned from an LLM's own output. The exclusion prevents an
// LLM from re-invoking itself through its own mention.
func MatchLLMByName(name string, room types.Room, excludeID types.LLMID) (types.LLMConfig, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	index := make(map[string]types.LLMConfig, len(room.LLMs)*2)
	for _, llm := range room.LLMs {
		n := strings.ToLower(llm.DisplayName)
		index[n] = llm
		index[strings.ReplaceAll(n, " ", "_")] = llm
	}

	llm, ok := index[normalized]
	if !ok || (excludeID != "" && llm.ID == excludeID) {
		return types.LLMConfig{}, false
	}
	return llm, true
}
