package engine

import (
	"fmt"
	"strings"

	"github.com/nidhogg/parley/internal/agent"
	"github.com/nidhogg/parley/internal/memory"
	"github.com/nidhogg/parley/internal/provider"
)

// buildSystemPrompt embeds the speaker's persona, the topic, the turn
// position, and the participant roster into one system prompt.
func buildSystemPrompt(speaker *agent.Agent, conv *memory.Conversation, participants []string, state *agent.State) string {
	var sb strings.Builder

	sb.WriteString(speaker.SystemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("You are %s, participating in a group conversation about: %s.\n",
		speaker.Name, conv.Topic))
	sb.WriteString(fmt.Sprintf("Participants: %s.\n", strings.Join(participants, ", ")))

	if conv.Unlimited() {
		sb.WriteString(fmt.Sprintf("This is turn %d of an open-ended conversation. "+
			"Keep the discussion moving; do not try to wrap it up.\n", conv.CurrentTurn))
	} else {
		sb.WriteString(fmt.Sprintf("This is turn %d of %d.\n", conv.CurrentTurn, conv.MaxTurns))
		if conv.CurrentTurn == conv.MaxTurns-1 {
			sb.WriteString("This is the final turn; bring your contribution to a natural close.\n")
		}
	}

	if state != nil {
		sb.WriteString(fmt.Sprintf("Your current mood is %s and your conversation style is %s.\n",
			state.Mood, state.ConversationStyle))
	}

	sb.WriteString("Reply in character, directly continuing the conversation. " +
		"Do not prefix your reply with your own name.")
	return sb.String()
}

// buildContext maps prior messages onto role-tagged gateway messages: the
// speaker's own messages become assistant turns, everyone else's become user
// turns labeled with the original speaker's name. History is already
// chronological; only the most recent contextLimit messages are sent.
func buildContext(speaker *agent.Agent, history []memory.Message, contextLimit int) []provider.Message {
	if contextLimit > 0 && len(history) > contextLimit {
		history = history[len(history)-contextLimit:]
	}

	msgs := make([]provider.Message, 0, len(history))
	for _, m := range history {
		if m.AgentID == speaker.ID {
			msgs = append(msgs, provider.Message{Role: "assistant", Content: m.Content})
		} else {
			msgs = append(msgs, provider.Message{
				Role:    "user",
				Content: fmt.Sprintf("%s: %s", m.Speaker, m.Content),
			})
		}
	}
	return msgs
}

// speakerForTurn is the round-robin rotation: agent_ids in registration order,
// indexed by turn number.
func speakerForTurn(agentIDs []string, turn int) string {
	return agentIDs[turn%len(agentIDs)]
}
