package domain

import "time"

// DateLayout is the format of ContextScope.Today.
const DateLayout = "2006-01-02"

// ContextScope is the per-turn metadata handed to the generation engine.
// It is built fresh for every turn and never stored.
type ContextScope struct {
	Username string
	Today    string
}

// ScopeField is a single key/value pair of a ContextScope.
type ScopeField struct {
	Key   string
	Value string
}

// NewContextScope builds the scope for a turn started at now.
func NewContextScope(username string, now time.Time) ContextScope {
	return ContextScope{
		Username: username,
		Today:    now.Format(DateLayout),
	}
}

// Fields returns the scope as ordered key/value pairs.
func (s ContextScope) Fields() []ScopeField {
	return []ScopeField{
		{Key: "username", Value: s.Username},
		{Key: "today", Value: s.Today},
	}
}
