package domain

import "time"

// TurnStatus is the terminal state of a turn.
type TurnStatus string

const (
	// TurnCompleted means the engine returned normally.
	TurnCompleted TurnStatus = "completed"
	// TurnFailed means the engine failed and the answer holds the error text.
	TurnFailed TurnStatus = "failed"
)

// Transcript is the archived record of one finished turn.
type Transcript struct {
	TurnID       string
	UserID       string
	Question     string
	Answer       string
	Status       TurnStatus
	Tokens       int
	Disconnected bool
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Duration returns how long the turn took.
func (t *Transcript) Duration() time.Duration {
	return t.CompletedAt.Sub(t.StartedAt)
}
