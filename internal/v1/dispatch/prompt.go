package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/parleyhq/parley/internal/v1/types"
)

// chatStyleModifier returns the response-style directive for a chat style.
// The default style adds nothing.
func chatStyleModifier(style types.ChatStyle) string {
	switch style {
	case types.ChatStyleConversational:
		return "RESPONSE STYLE: Keep responses brief - 1-2 sentences max. " +
			"Think of this as Slack chat, not email. Be punchy and conversational."
	case types.ChatStyleDetailed:
		return "RESPONSE STYLE: Provide thorough, well-structured responses. " +
			"Take time to explain your reasoning fully."
	case types.ChatStyleBullet:
		return "RESPONSE STYLE: Use bullet points. Be concise and scannable. " +
			"Structure your response as a list."
	}
	return ""
}

// buildSystemPrompt assembles the system turn for one LLM call: style
// directive, persona, room context, participant listings, identity rules,
// and the tool preamble, in that order. extraInstruction is appended last
// and carries the poll-voting section when present.
func buildSystemPrompt(llm types.LLMConfig, room types.Room, onlineHumans []string, extraInstruction string) string {
	myName := llm.DisplayName

	var otherLLMs []string
	for _, other := range room.LLMs {
		if other.ID != llm.ID {
			otherLLMs = append(otherLLMs, other.DisplayName)
		}
	}

	var parts []string

	if modifier := chatStyleModifier(llm.ChatStyle); modifier != "" {
		parts = append(parts, modifier)
	}

	if llm.Persona != "" {
		parts = append(parts, llm.Persona)
	}

	parts = append(parts, fmt.Sprintf("You are in a collaborative room called %q.", room.Name))
	if room.Description != "" {
		parts = append(parts, "Room context: "+room.Description)
	}

	parts = append(parts,
		"Multiple participants (humans and AI assistants) are chatting together. "+
			"Messages are prefixed with the sender's name so you can tell who said what.")

	if len(onlineHumans) > 0 {
		parts = append(parts, "Online humans: "+strings.Join(onlineHumans, ", ")+".")
	}
	if len(otherLLMs) > 0 {
		parts = append(parts, "Other AI assistants in this room: "+strings.Join(otherLLMs, ", ")+".")
	}

	parts = append(parts, fmt.Sprintf(
		"When you see a message like \"Alice: hello\", Alice is the speaker. "+
			"Do NOT prefix your responses with your own name - just respond naturally "+
			"as part of the conversation.\n\n"+
			"CRITICAL IDENTITY RULE: You are %s. When you respond, you speak as %s only. "+
			"NEVER write messages pretending to be another participant (human or AI). "+
			"NEVER write dialogue like 'Alice: ...' or speak as if you are Alice, Bob, or any other participant.",
		myName, myName))

	parts = append(parts, fmt.Sprintf(
		"**Multi-mention handling:** When a user mentions multiple participants, "+
			"focus on the portion addressed to you (@%s).", myName))

	parts = append(parts,
		"You have access to tools:\n"+
			"1. `opt_out`: RARELY use this - only when the message is clearly directed at someone else.\n"+
			"2. `mention`: Tag another participant to invite them to respond.\n\n"+
			"IMPORTANT: When mentioned, you should almost always respond. Your input is valuable.")

	if extraInstruction != "" {
		parts = append(parts, extraInstruction)
	}

	return strings.Join(parts, "\n\n")
}

// pollInstruction is the extra system section appended for poll-voting calls.
func pollInstruction(pollID types.PollID, question string, options []types.PollOption, mandatory bool) string {
	mandatoryText := "Vote or use opt_out if none of the options fit."
	if mandatory {
		mandatoryText = "This is a MANDATORY poll - you MUST cast a vote."
	}

	optionsText := make([]string, 0, len(options))
	for _, o := range options {
		optionsText = append(optionsText, fmt.Sprintf("%s: %s", o.ID, o.Text))
	}

	return fmt.Sprintf(
		"\n\n**POLL VOTING REQUEST**\n"+
			"Question: %q\n"+
			"Options: %s\n"+
			"Poll ID: %s\n\n"+
			"%s\n"+
			"Just call vote_on_poll with your choice - no explanation needed.",
		question, strings.Join(optionsText, ", "), pollID, mandatoryText)
}

// stripSelfNamePrefix removes repeated leading "<name>:" or "<name> -"
// prefixes that some models insist on adding to their own output. At most
// three layers are stripped.
func stripSelfNamePrefix(text, displayName string) string {
	name := strings.TrimSpace(displayName)
	if text == "" || name == "" {
		return text
	}

	prefixRe := regexp.MustCompile(`(?i)^\s*` + regexp.QuoteMeta(name) + `\s*[:\-]\s*`)
	cleaned := text
	for i := 0; i < 3; i++ {
		updated := prefixRe.ReplaceAllString(cleaned, "")
		if updated == cleaned {
			break
		}
		cleaned = updated
	}
	return strings.TrimLeft(cleaned, " \t\n")
}
