package domain

import "errors"

var (
	// ErrNotFound is returned when a subscription or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed means another worker owns the record.
	ErrAlreadyClaimed = errors.New("record already claimed")
	// ErrNoParserURL means the subscription type has no analyzer endpoint.
	ErrNoParserURL = errors.New("subscription type has no parser url")
	// ErrSubscriptionInactive means the subscription is disabled.
	ErrSubscriptionInactive = errors.New("subscription inactive")
)
