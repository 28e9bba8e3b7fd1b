package service

import (
	"github.com/fp101fs/wp-gen-sub001/internal/domain"
)

// Subscription errors
var (
	ErrSubscriptionNotFound = domain.ErrSubscriptionNotFound
	ErrUnknownPriceID       = domain.Errorf(domain.EINVALID, "", "Unknown price ID")
)

// Downgrade errors
var (
	ErrInvalidTargetPlan     = domain.Errorf(domain.EINVALID, "", "Target plan must be free or pro")
	ErrCancellationScheduled = domain.Errorf(domain.ECONFLICT, "", "Subscription is already scheduled for cancellation")
)
