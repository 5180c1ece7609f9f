// Package domain defines the core domain models for the trust game server.
package domain

// Role is the part a participant plays in the exchange game.
type Role string

const (
	RoleInvestor Role = "investor"
	RoleInvestee Role = "investee"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleInvestor || r == RoleInvestee
}

// Opponent returns the role played by the bot against r.
func (r Role) Opponent() Role {
	if r == RoleInvestor {
		return RoleInvestee
	}
	return RoleInvestor
}

// BotJobKind returns the kind of computation the bot performs each round
// when the participant plays r.
func (r Role) BotJobKind() JobKind {
	if r == RoleInvestor {
		return JobKindReturn
	}
	return JobKindInvest
}

// JobKind identifies what the opponent has to decide.
type JobKind string

const (
	// JobKindInvest computes the bot's investment (participant is the investee).
	JobKindInvest JobKind = "invest"
	// JobKindReturn computes the bot's return (participant is the investor).
	JobKindReturn JobKind = "return"
)

// JobKinds lists every job kind the worker pool serves.
var JobKinds = []JobKind{JobKindInvest, JobKindReturn}

// JobState represents the lifecycle state of a queued job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStalled   JobState = "stalled"
)

// Terminal reports whether no further transition can happen from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateStalled:
		return true
	}
	return false
}

// SessionStatus tracks a participant's progress through the experiment.
type SessionStatus string

const (
	StatusGotSetup          SessionStatus = "gotSetup"
	StatusLastChance        SessionStatus = "lastChance"
	StatusPassed            SessionStatus = "passed"
	StatusFailed            SessionStatus = "failed"
	StatusPlayStarted       SessionStatus = "playStarted"
	StatusPostQuestionnaire SessionStatus = "postQuestionnaire"
	StatusSubmitted         SessionStatus = "submitted"
)

var statusRank = map[SessionStatus]int{
	StatusGotSetup:          0,
	StatusLastChance:        1,
	StatusPassed:            2,
	StatusFailed:            2,
	StatusPlayStarted:       3,
	StatusPostQuestionnaire: 4,
	StatusSubmitted:         5,
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next keeps statuses monotonic.
func (s SessionStatus) CanAdvanceTo(next SessionStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return next.Valid()
	}
	n, ok := statusRank[next]
	return ok && n > cur
}
