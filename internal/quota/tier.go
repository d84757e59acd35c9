package quota

import (
	"context"
	"log/slog"

	"rewritely/internal/types"
)

// SubscriptionSource is the slice of the subscription repository the resolver
// needs. Implemented by db.SubscriptionRepo.
type SubscriptionSource interface {
	GetEntitled(ctx context.Context, userID string) (*types.Subscription, error)
}

// TierResolver maps an identity to its effective service tier.
type TierResolver interface {
	Resolve(ctx context.Context, identity types.Identity) (types.Tier, error)
}

// Resolver is the production TierResolver. Resolution order:
//
//  1. unauthenticated         -> guest
//  2. admin flag              -> pro (no subscription required)
//  3. entitled subscription   -> pro
//  4. otherwise               -> free
//
// A subscription is entitled while its status is active or past_due AND its
// next charge instant has not yet passed. A past_due subscription therefore
// keeps pro access only up to the moment the missed charge was due; retries
// restore it by advancing next_charge_at on capture.
type Resolver struct {
	subs   SubscriptionSource
	clock  types.Clock
	logger *slog.Logger
}

// NewResolver creates a tier resolver.
func NewResolver(subs SubscriptionSource, clock types.Clock, logger *slog.Logger) *Resolver {
	return &Resolver{subs: subs, clock: clock, logger: logger}
}

// Resolve returns the effective tier for the identity.
func (r *Resolver) Resolve(ctx context.Context, identity types.Identity) (types.Tier, error) {
	if !identity.Authenticated() {
		return types.TierGuest, nil
	}
	if identity.IsAdmin {
		return types.TierPro, nil
	}

	sub, err := r.subs.GetEntitled(ctx, identity.UserID)
	if err != nil {
		return "", err
	}
	if sub != nil && sub.NextChargeAt != nil && sub.NextChargeAt.After(r.clock.Now()) {
		return types.TierPro, nil
	}
	return types.TierFree, nil
}
