package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stage is the position of a conversation in its one-way lifecycle.
type Stage string

const (
	StageCollecting Stage = "collecting"
	StageReady      Stage = "ready"
	StageFinalized  Stage = "finalized"
	StageCancelled  Stage = "cancelled"
)

var ErrStageRegression = errors.New("domain: conversation stage cannot move backward")

func ParseStage(s string) (Stage, error) {
	switch st := Stage(strings.ToLower(strings.TrimSpace(s))); st {
	case StageCollecting, StageReady, StageFinalized, StageCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("domain: unknown stage %q", s)
	}
}

// Terminal reports whether no further turns may mutate the conversation.
func (s Stage) Terminal() bool {
	return s == StageFinalized || s == StageCancelled
}

// CanAdvanceTo reports whether moving from s to next keeps the stage order
// collecting -> ready -> finalized. Cancellation is only possible before
// finalization. Staying on the same stage is always allowed.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s == next {
		return true
	}
	switch s {
	case StageCollecting:
		return next == StageReady || next == StageCancelled
	case StageReady:
		return next == StageFinalized || next == StageCancelled
	default:
		return false
	}
}

// Message is a single entry in a conversation transcript.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Conversation is the evolving dialogue used to collect invoice details.
// Messages are append-only and Stage only moves forward.
type Conversation struct {
	ID        string
	UserID    string
	Messages  []Message
	Fields    InvoiceFields
	Stage     Stage
	InvoiceID string
	// Version is the optimistic-lock counter; zero means never persisted.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewConversation(id, userID string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		UserID:    userID,
		Stage:     StageCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Conversation) AppendMessage(role Role, content string, at time.Time) {
	c.Messages = append(c.Messages, Message{Role: role, Content: content, Timestamp: at})
	c.UpdatedAt = at
}

// Advance moves the conversation to next, rejecting any backward transition.
func (c *Conversation) Advance(next Stage) error {
	if !c.Stage.CanAdvanceTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStageRegression, c.Stage, next)
	}
	c.Stage = next
	return nil
}

// ChatMessage is one transcript entry as sent to a language model. Role is
// "user" or "assistant".
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript returns the messages in the shape consumed by model integrations.
func (c *Conversation) Transcript() []ChatMessage {
	out := make([]ChatMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
