package model

import "time"

// ConversationLog is the record handed to the conversation logger after a completed turn
type ConversationLog struct {
	SessionID string      `firestore:"session_id" json:"session_id"`
	Question  string      `firestore:"question" json:"question"`
	Answer    string      `firestore:"answer" json:"answer"`
	ToolTrace []ToolTrace `firestore:"tool_trace" json:"tool_trace"`
	Partial   bool        `firestore:"partial" json:"partial"`
	CreatedAt time.Time   `firestore:"created_at" json:"created_at"`
	ExpireAt  time.Time   `firestore:"expire_at" json:"expire_at"`
}
