package domain

import "github.com/google/uuid"

// NewSessionID generates a random session identifier. The hooks do not call
// it: a hook event whose stdin JSON and CLAUDE_SESSION_ID both lack a session
// id is rejected.
func NewSessionID() string {
	return uuid.NewString()
}
