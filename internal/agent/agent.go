package agent

import (
	"fmt"
	"time"
)

// Personality is the fixed set of persona archetypes.
type Personality string

const (
	Philosopher  Personality = "philosopher"
	Scientist    Personality = "scientist"
	Artist       Personality = "artist"
	Engineer     Personality = "engineer"
	Historian    Personality = "historian"
	Psychologist Personality = "psychologist"
)

// Valid reports whether p is a known personality.
func (p Personality) Valid() bool {
	switch p {
	case Philosopher, Scientist, Artist, Engineer, Historian, Psychologist:
		return true
	}
	return false
}

// Agent is a persona definition. Immutable after registry load.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Personality  Personality `json:"personality"`
	SystemPrompt string      `json:"system_prompt"`
	Description  string      `json:"description"`
	AvatarURL    string      `json:"avatar_url,omitempty"`
	IsActive     bool        `json:"is_active"`
}

func (a *Agent) validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent missing id")
	}
	if a.Name == "" {
		return fmt.Errorf("agent %s: missing name", a.ID)
	}
	if a.SystemPrompt == "" {
		return fmt.Errorf("agent %s: missing system_prompt", a.ID)
	}
	if !a.Personality.Valid() {
		return fmt.Errorf("agent %s: unknown personality %q", a.ID, a.Personality)
	}
	return nil
}

// State is advisory per-conversation agent state, adjusted after each turn
// and folded into prompt construction. It carries no hard invariants.
type State struct {
	AgentID           string     `json:"agent_id"`
	CurrentTopic      string     `json:"current_topic,omitempty"`
	Mood              string     `json:"mood"`
	EnergyLevel       int        `json:"energy_level"`
	ConversationStyle string     `json:"conversation_style"`
	LastMessageTime   *time.Time `json:"last_message_time,omitempty"`
}

// NewState returns the neutral starting state for an agent.
func NewState(agentID string) *State {
	return &State{
		AgentID:           agentID,
		Mood:              "neutral",
		EnergyLevel:       5,
		ConversationStyle: "balanced",
	}
}
