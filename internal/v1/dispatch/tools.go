package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/v1/provider"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Tool names recognized in streamed tool calls.
const (
	toolOptOut         = "opt_out"
	toolMention        = "mention"
	toolVoteOnPoll     = "vote_on_poll"
	toolGetActivePolls = "get_active_polls"
)

var (
	optOutParams = json.RawMessage(`{
		"type": "object",
		"properties": {"reason": {"type": "string", "description": "Brief reason for opting out"}},
		"required": []
	}`)

	pollOptOutParams = json.RawMessage(`{
		"type": "object",
		"properties": {"reason": {"type": "string", "description": "Why you're not voting"}},
		"required": ["reason"]
	}`)

	mentionParams = json.RawMessage(`{
		"type": "object",
		"properties": {
			"participant": {"type": "string", "description": "Name of the participant to mention"},
			"context": {"type": "string", "description": "Why you're mentioning them (optional)"}
		},
		"required": ["participant"]
	}`)

	voteParams = json.RawMessage(`{
		"type": "object",
		"properties": {
			"poll_id": {"type": "string", "description": "ID of the poll to vote on"},
			"option_ids": {"type": "array", "items": {"type": "string"}, "description": "ID(s) of the option(s) to vote for"},
			"reason": {"type": "string", "description": "Optional - only if you have specific context to share"}
		},
		"required": ["poll_id", "option_ids"]
	}`)

	emptyParams = json.RawMessage(`{"type": "object", "properties": {}}`)
)

// buildRoomTools returns the general tool set for a reply call: opt_out,
// mention, vote_on_poll, and a synthetic get_active_polls description when
// polls are open (it carries the poll ids and options as context).
func buildRoomTools(room types.Room, activePolls []types.Poll) []provider.ToolDefinition {
	names := make([]string, 0, len(room.LLMs))
	for _, llm := range room.LLMs {
		names = append(names, llm.DisplayName)
	}

	tools := []provider.ToolDefinition{
		{
			Name: toolOptOut,
			Description: "RARELY use this tool to decline responding. Only use when: " +
				"(1) you were explicitly mentioned but the question was clearly directed at someone else, " +
				"(2) your character would genuinely stay silent based on personality.",
			Parameters: optOutParams,
		},
		{
			Name: toolMention,
			Description: fmt.Sprintf(
				"Use this tool to tag another participant. Available: %s. "+
					"Use when you want to ask someone a question or invite them into the conversation.",
				strings.Join(names, ", ")),
			Parameters: mentionParams,
		},
		{
			Name: toolVoteOnPoll,
			Description: "Cast your vote on an active poll. Just vote - no explanation needed " +
				"unless you have specific context.",
			Parameters: voteParams,
		},
	}

	if len(activePolls) > 0 {
		descriptions := make([]string, 0, len(activePolls))
		for _, p := range activePolls {
			opts := make([]string, 0, len(p.Options))
			for _, o := range p.Options {
				opts = append(opts, fmt.Sprintf("%s: %q", o.ID, o.Text))
			}
			descriptions = append(descriptions, fmt.Sprintf("Poll %q (id=%s): [%s]",
				p.Question, p.PollID, strings.Join(opts, ", ")))
		}
		tools = append(tools, provider.ToolDefinition{
			Name:        toolGetActivePolls,
			Description: "Current polls: " + strings.Join(descriptions, "; "),
			Parameters:  emptyParams,
		})
	}

	return tools
}

// buildPollTools returns the narrowed tool set for a poll-voting call:
// vote_on_poll, plus opt_out only when the poll is not mandatory.
func buildPollTools(pollID types.PollID, question string, options []types.PollOption, mandatory bool) []provider.ToolDefinition {
	optionsDesc := make([]string, 0, len(options))
	for _, o := range options {
		optionsDesc = append(optionsDesc, fmt.Sprintf("%s: %q", o.ID, o.Text))
	}

	var tools []provider.ToolDefinition
	if !mandatory {
		tools = append(tools, provider.ToolDefinition{
			Name: toolOptOut,
			Description: "Use this to decline voting if none of the options fit your view. " +
				"You should still provide a text response explaining why.",
			Parameters: pollOptOutParams,
		})
	}

	requiredPrefix := ""
	if mandatory {
		requiredPrefix = "REQUIRED - YOU MUST USE THIS TOOL: "
	}
	tools = append(tools, provider.ToolDefinition{
		Name: toolVoteOnPoll,
		Description: fmt.Sprintf(
			"%sCast your vote on the poll. Question: %q. Options: [%s]. "+
				"Use poll_id=%q and set option_ids to the ID(s) you choose.",
			requiredPrefix, question, strings.Join(optionsDesc, ", "), pollID),
		Parameters: voteParams,
	})

	return tools
}

// mentionToolArgs is the decoded payload of a mention tool call.
type mentionToolArgs struct {
	Participant string `json:"participant"`
	Context     string `json:"context"`
}

// voteToolArgs is the decoded payload of a vote_on_poll tool call.
type voteToolArgs struct {
	PollID    string   `json:"poll_id"`
	OptionIDs []string `json:"option_ids"`
	Reason    string   `json:"reason"`
}
