package subscription

import "errors"

var (
	// ErrEmptyChannel is returned when a subscription is created without a channel
	ErrEmptyChannel = errors.New("subscription channel is required")
	// ErrSubscriptionOpen is returned by Delete on a subscription that was not closed
	ErrSubscriptionOpen = errors.New("subscription must be closed before delete")
)
