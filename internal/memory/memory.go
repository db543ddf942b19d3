// Package memory implements the SessionMemory collaborator (spec §6):
// persisted conversation history the context assembler's "prior" and
// "conversation" layers draw from.
package memory

import "context"

// Turn is one recorded conversation turn.
type Turn struct {
	Role      string
	Content   string
	CreatedAt int64
}

// CollectResult is collectConversation's return value: the turns that fit
// within tokenLimit plus a summary describing anything older that didn't.
type CollectResult struct {
	Turns   []Turn
	Summary string
}

// SessionMemory is the collaborator interface the agent loop consumes for
// durable per-session conversation state.
type SessionMemory interface {
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
	CollectConversation(ctx context.Context, sessionID string, tokenLimit int) (CollectResult, error)
}
