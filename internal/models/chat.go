package models

import "time"

// GeneralContext is the context id of the thread that is not bound to an analysis
const GeneralContext = "general"

// Sender identifies the author of a chat message
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// ChatMessage is one entry of a thread. Content is always populated;
// backend payloads using "text" are normalized on ingestion.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Image     string    `json:"image,omitempty"`
}

// ChatThread is an append-only conversation bound to an analysis id or to GeneralContext
type ChatThread struct {
	ContextID     string        `json:"context_id"`
	Messages      []ChatMessage `json:"messages"`
	AwaitingReply bool          `json:"awaiting_reply"`
}

// IsGeneral reports whether the thread is not bound to an analysis.
func (t *ChatThread) IsGeneral() bool {
	return t.ContextID == GeneralContext
}
