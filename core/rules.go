package core

// Classification describes one listener delivery relative to the cached snapshot.
type Classification struct {
	Board     BoardID `json:"board"`
	IsInitial bool    `json:"is_initial"`
	Changed   bool    `json:"changed"`
}

// Rule decides whether a classified delivery should fire a side effect.
type Rule interface {
	Evaluate(c Classification) bool
}

// GenuineChangeRule fires for live updates that actually changed the payload.
// Initial replays after (re)attachment never qualify.
type GenuineChangeRule struct{}

func (GenuineChangeRule) Evaluate(c Classification) bool {
	return !c.IsInitial && c.Changed
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(Classification) bool

func (f RuleFunc) Evaluate(c Classification) bool { return f(c) }
