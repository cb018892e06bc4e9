package domain

import "time"

// Frequency controls how often a subscription is re-checked after a run.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// Subscription is a standing search over a document feed owned by a user.
type Subscription struct {
	ID            string
	UserID        string
	TypeID        string
	Prompts       []string
	Active        bool
	MatchLimit    int
	ParserURL     string
	Frequency     Frequency
	LastCheckedAt *time.Time
}

// HasParser reports whether the subscription type has an analyzer endpoint.
func (s Subscription) HasParser() bool {
	return s.ParserURL != ""
}

// Runnable returns ErrSubscriptionInactive or ErrNoParserURL when the
// subscription cannot be sent to the analyzer.
func (s Subscription) Runnable() error {
	switch {
	case !s.Active:
		return ErrSubscriptionInactive
	case !s.HasParser():
		return ErrNoParserURL
	}
	return nil
}

// TypeKey is the grouping key used in batch statistics.
func (s Subscription) TypeKey() string {
	if s.TypeID == "" {
		return "unknown"
	}
	return s.TypeID
}

// Cadences maps a frequency to the delay until the next run.
type Cadences map[Frequency]time.Duration

// DefaultCadences returns the built-in re-scheduling intervals.
func DefaultCadences() Cadences {
	return Cadences{
		FrequencyImmediate: time.Hour,
		FrequencyHourly:    time.Hour,
		FrequencyDaily:     24 * time.Hour,
		FrequencyWeekly:    7 * 24 * time.Hour,
	}
}

// For resolves the interval for f, falling back to the daily cadence.
func (c Cadences) For(f Frequency) time.Duration {
	if d, ok := c[f]; ok && d > 0 {
		return d
	}
	if d, ok := c[FrequencyDaily]; ok && d > 0 {
		return d
	}
	return 24 * time.Hour
}
