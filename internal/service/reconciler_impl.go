package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fp101fs/wp-gen-sub001/internal/billing"
	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/fp101fs/wp-gen-sub001/internal/events"
	"github.com/fp101fs/wp-gen-sub001/internal/plan"
	"github.com/fp101fs/wp-gen-sub001/internal/telemetry"
	"github.com/google/uuid"
)

const (
	// maxProcessedSubscriptions bounds the in-process dedup cache.
	maxProcessedSubscriptions = 100

	// renewalMinAge separates a plan's first invoice from its renewals.
	// Stripe sends invoice.paid right after checkout; crediting there
	// would double the initial grant.
	renewalMinAge = 5 * time.Minute

	// renewalDedupWindow absorbs redelivered invoice.paid events.
	// Billing periods are at least a month, so a day is comfortably
	// inside one period and outside any redelivery burst.
	renewalDedupWindow = 24 * time.Hour
)

// metadata keys set on checkout sessions and mirrored onto the
// subscription by Stripe.
const (
	metaUserID       = "userId"
	metaPlanType     = "planType"
	metaBillingCycle = "billingCycle"
)

var _ ReconciliationService = (*reconciliationService)(nil)

// reconciliationService implements ReconciliationService.
type reconciliationService struct {
	store     domain.SubscriptionStore
	ledger    domain.TokenLedger
	plans     *plan.Catalog
	provider  billing.Provider
	publisher *events.Publisher
	metrics   *telemetry.BusinessMetrics
	logger    *slog.Logger
	dedup     *dedupCache

	// siteURL is the frontend origin checkout redirects back to.
	siteURL string

	// now is replaceable in tests for the renewal age check.
	now func() time.Time
}

// NewReconciliationService creates a new ReconciliationService
// instance. publisher and metrics may be nil; both degrade to no-ops.
func NewReconciliationService(
	store domain.SubscriptionStore,
	ledger domain.TokenLedger,
	plans *plan.Catalog,
	provider billing.Provider,
	publisher *events.Publisher,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
	siteURL string,
) ReconciliationService {
	return &reconciliationService{
		store:     store,
		ledger:    ledger,
		plans:     plans,
		provider:  provider,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		dedup:     newDedupCache(maxProcessedSubscriptions),
		siteURL:   strings.TrimRight(siteURL, "/"),
		now:       time.Now,
	}
}

// statusFromProvider maps a Stripe subscription status onto the local
// model. Statuses outside the model (incomplete, paused, unpaid) never
// grant entitlements.
func statusFromProvider(s string) domain.SubscriptionStatus {
	switch s {
	case "active":
		return domain.StatusActive
	case "trialing":
		return domain.StatusTrialing
	case "past_due", "unpaid":
		return domain.StatusPastDue
	default:
		return domain.StatusCanceled
	}
}

// =============================================================================
// Checkout
// =============================================================================

func (s *reconciliationService) CreateCheckoutSession(ctx context.Context, params CreateCheckoutParams) (*billing.CheckoutSession, error) {
	const op = "reconcile.create_checkout_session"

	pl, cycle, ok := s.plans.ByPriceID(params.PriceID)
	if !ok {
		return nil, ErrUnknownPriceID
	}
	if params.PlanType != "" && !strings.EqualFold(params.PlanType, pl.Name) {
		return nil, domain.Errorf(domain.EINVALID, op,
			"Price ID belongs to %s plan, not %s", pl.Name, params.PlanType)
	}
	if params.BillingCycle != "" {
		requested, valid := plan.ParseBillingCycle(params.BillingCycle)
		if !valid || requested != cycle {
			return nil, domain.Errorf(domain.EINVALID, op,
				"Price ID is the %s price of the %s plan", cycle, pl.Name)
		}
	}

	session, err := s.provider.CreateCheckoutSession(ctx, billing.CreateCheckoutSessionParams{
		PriceID:       params.PriceID,
		CustomerID:    params.CustomerID,
		CustomerEmail: params.UserEmail,
		SuccessURL:    s.siteURL + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     s.siteURL + "/pricing",
		CouponID:      params.CouponID,
		Metadata: map[string]string{
			metaUserID:       params.UserID.String(),
			metaPlanType:     pl.Name,
			metaBillingCycle: string(cycle),
		},
	})
	if err != nil {
		return nil, domain.WrapError(err, domain.EPAYMENT, op, "Failed to create checkout session")
	}

	s.metrics.RecordCheckoutSessionCreated(pl.Name, string(cycle))
	s.logger.Info("checkout session created",
		"session_id", session.ID, "plan", pl.Name, "billing_cycle", cycle, "user_id", params.UserID)
	return session, nil
}

// =============================================================================
// Webhook triggers
// =============================================================================

func (s *reconciliationService) ProcessCheckoutCompleted(ctx context.Context, session *billing.CheckoutSessionData) error {
	const op = "reconcile.checkout_completed"

	if session.SubscriptionID == "" {
		// One-time payment; nothing to reconcile.
		s.logger.Debug("checkout session without subscription, skipping", "session_id", session.ID)
		return nil
	}

	snap, err := s.provider.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return domain.WrapError(err, domain.EPAYMENT, op, "Failed to fetch subscription from Stripe")
	}

	userID, err := s.resolveUserID(session.Metadata, snap.Metadata)
	if err != nil {
		s.logger.Warn("checkout session without usable userId metadata",
			"session_id", session.ID, "subscription_id", snap.ID, "error", err)
		return nil
	}

	pl, ok := s.resolvePlan(snap.PriceID, session.Metadata, snap.Metadata)
	if !ok {
		return domain.Errorf(domain.EINVALID, op,
			"No plan for price id %q on subscription %s", snap.PriceID, snap.ID)
	}

	return s.applySubscription(ctx, op, userID, pl, snap)
}

func (s *reconciliationService) ProcessSubscriptionCreated(ctx context.Context, snap *billing.SubscriptionSnapshot) error {
	const op = "reconcile.subscription_created"

	userID, err := s.resolveUserID(snap.Metadata, nil)
	if err != nil {
		// Created without metadata: the checkout.session.completed
		// handler will attribute it instead.
		s.logger.Warn("subscription.created without userId metadata, deferring to checkout handler",
			"subscription_id", snap.ID)
		return nil
	}

	pl, ok := s.resolvePlan(snap.PriceID, snap.Metadata, nil)
	if !ok {
		s.logger.Warn("subscription.created with unknown price and plan, skipping",
			"subscription_id", snap.ID, "price_id", snap.PriceID)
		return nil
	}

	if s.dedup.SeenOrAdd(dedupKey(snap.ID, userID.String(), pl.Name)) {
		s.logger.Debug("duplicate subscription.created within burst, skipping",
			"subscription_id", snap.ID)
		return nil
	}

	return s.applySubscription(ctx, op, userID, pl, snap)
}

// applySubscription is the shared tail of the two creation triggers:
// upsert the row, make it the user's only entitled row, grant the
// purchase tokens once.
func (s *reconciliationService) applySubscription(ctx context.Context, op string, userID uuid.UUID, pl plan.Plan, snap *billing.SubscriptionSnapshot) error {
	sub, created, err := s.store.Upsert(ctx, domain.UpsertSubscriptionParams{
		UserID:               userID,
		Plan:                 pl.Name,
		StripeSubscriptionID: snap.ID,
		StripeCustomerID:     snap.CustomerID,
		Status:               statusFromProvider(snap.Status),
		CurrentPeriodStart:   snap.CurrentPeriodStart,
		CurrentPeriodEnd:     snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:    snap.CancelAtPeriodEnd,
	})
	if err != nil {
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to upsert subscription")
	}

	if sub.Status.IsEntitled() {
		deactivated, err := s.store.ActivateExclusive(ctx, sub.ID, sub.UserID)
		if err != nil {
			return domain.WrapError(err, domain.EINTERNAL, op, "Failed to activate subscription")
		}
		if deactivated > 0 {
			s.logger.Info("deactivated conflicting subscriptions",
				"user_id", sub.UserID, "kept", sub.ID, "deactivated", deactivated)
		}
	}

	if err := s.creditPurchase(ctx, sub, pl); err != nil {
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to credit tokens")
	}

	if created {
		s.metrics.RecordSubscriptionActivated(pl.Name)
		s.publisher.SubscriptionActivated(events.SubscriptionEvent{
			UserID:               sub.UserID.String(),
			Plan:                 sub.Plan,
			StripeSubscriptionID: sub.StripeSubscriptionID,
			OccurredAt:           s.now(),
		})
	}

	s.logger.Info("subscription reconciled",
		"subscription_id", sub.StripeSubscriptionID, "user_id", sub.UserID,
		"plan", sub.Plan, "status", sub.Status, "created", created)
	return nil
}

// creditPurchase grants the plan's initial token allocation, at most
// once per subscription.
func (s *reconciliationService) creditPurchase(ctx context.Context, sub *domain.Subscription, pl plan.Plan) error {
	exists, err := s.ledger.HasTransaction(ctx, sub.ID, domain.TokenTxPurchase)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	balance, err := s.ledger.Credit(ctx, domain.CreditTokensParams{
		UserID:          sub.UserID,
		Amount:          pl.Tokens,
		TransactionType: domain.TokenTxPurchase,
		Description:     fmt.Sprintf("%s plan purchase", pl.Name),
		SubscriptionID:  &sub.ID,
	})
	if err != nil {
		return err
	}

	s.metrics.RecordTokensCredited(domain.TokenTxPurchase, pl.Name, pl.Tokens)
	s.publisher.TokensCredited(events.TokensCreditedEvent{
		UserID:          sub.UserID.String(),
		Plan:            pl.Name,
		Amount:          pl.Tokens,
		TransactionType: domain.TokenTxPurchase,
		OccurredAt:      s.now(),
	})
	s.logger.Info("tokens credited",
		"user_id", sub.UserID, "amount", pl.Tokens, "type", domain.TokenTxPurchase, "balance", balance)
	return nil
}

func (s *reconciliationService) ProcessSubscriptionUpdated(ctx context.Context, snap *billing.SubscriptionSnapshot) error {
	const op = "reconcile.subscription_updated"

	sub, err := s.store.GetByStripeID(ctx, snap.ID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			s.logger.Warn("subscription.updated for unknown subscription, skipping",
				"subscription_id", snap.ID)
			return nil
		}
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to load subscription")
	}

	newPlan := sub.Plan
	if pl, _, ok := s.plans.ByPriceID(snap.PriceID); ok {
		newPlan = pl.Name
	}
	newStatus := statusFromProvider(snap.Status)

	inSync := newPlan == sub.Plan &&
		newStatus == sub.Status &&
		snap.CurrentPeriodStart.Equal(sub.CurrentPeriodStart) &&
		snap.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) &&
		snap.CancelAtPeriodEnd == sub.CancelAtPeriodEnd
	if inSync {
		return nil
	}

	updated, err := s.store.UpdateState(ctx, domain.UpdateSubscriptionStateParams{
		ID:                 sub.ID,
		Plan:               newPlan,
		Status:             newStatus,
		CurrentPeriodStart: snap.CurrentPeriodStart,
		CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:  snap.CancelAtPeriodEnd,
	})
	if err != nil {
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to update subscription")
	}

	if newStatus == domain.StatusCanceled && sub.Status != domain.StatusCanceled {
		s.metrics.RecordSubscriptionCanceled(updated.Plan)
		s.publisher.SubscriptionCanceled(events.SubscriptionEvent{
			UserID:               updated.UserID.String(),
			Plan:                 updated.Plan,
			StripeSubscriptionID: updated.StripeSubscriptionID,
			OccurredAt:           s.now(),
		})
	}

	s.logger.Info("subscription updated",
		"subscription_id", snap.ID, "plan", newPlan, "previous_plan", sub.Plan,
		"status", newStatus, "cancel_at_period_end", snap.CancelAtPeriodEnd)
	return nil
}

func (s *reconciliationService) ProcessSubscriptionDeleted(ctx context.Context, snap *billing.SubscriptionSnapshot) error {
	const op = "reconcile.subscription_deleted"

	sub, err := s.store.GetByStripeID(ctx, snap.ID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			return nil
		}
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to load subscription")
	}
	if sub.Status == domain.StatusCanceled {
		return nil
	}

	if err := s.store.MarkCanceled(ctx, sub.ID); err != nil {
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to cancel subscription")
	}

	s.metrics.RecordSubscriptionCanceled(sub.Plan)
	s.publisher.SubscriptionCanceled(events.SubscriptionEvent{
		UserID:               sub.UserID.String(),
		Plan:                 sub.Plan,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		OccurredAt:           s.now(),
	})
	s.logger.Info("subscription deleted", "subscription_id", snap.ID, "user_id", sub.UserID)
	return nil
}

func (s *reconciliationService) ProcessInvoicePaid(ctx context.Context, invoice *billing.InvoiceData) error {
	const op = "reconcile.invoice_paid"

	if invoice.SubscriptionID == "" {
		return nil
	}

	sub, err := s.store.GetByStripeID(ctx, invoice.SubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			s.logger.Warn("invoice.paid for unknown subscription, skipping",
				"subscription_id", invoice.SubscriptionID)
			return nil
		}
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to load subscription")
	}

	// A paid invoice recovers past_due rows.
	if sub.Status == domain.StatusPastDue {
		if _, err := s.store.UpdateState(ctx, domain.UpdateSubscriptionStateParams{
			ID:                 sub.ID,
			Plan:               sub.Plan,
			Status:             domain.StatusActive,
			CurrentPeriodStart: sub.CurrentPeriodStart,
			CurrentPeriodEnd:   sub.CurrentPeriodEnd,
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		}); err != nil {
			return domain.WrapError(err, domain.EINTERNAL, op, "Failed to recover subscription")
		}
		s.logger.Info("subscription recovered from past_due", "subscription_id", sub.StripeSubscriptionID)
	}

	// Invoices inside the first minutes belong to the initial purchase,
	// which the creation handlers credit.
	if s.now().Sub(sub.CreatedAt) <= renewalMinAge {
		return nil
	}

	pl, ok := s.plans.ByName(sub.Plan)
	if !ok || !pl.RenewalCredit {
		return nil
	}

	credited, err := s.ledger.HasTransactionSince(ctx, sub.ID, domain.TokenTxRenewal, s.now().Add(-renewalDedupWindow))
	if err != nil {
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to check renewal transactions")
	}
	if credited {
		return nil
	}

	balance, err := s.ledger.Credit(ctx, domain.CreditTokensParams{
		UserID:          sub.UserID,
		Amount:          pl.Tokens,
		TransactionType: domain.TokenTxRenewal,
		Description:     fmt.Sprintf("%s plan renewal", pl.Name),
		SubscriptionID:  &sub.ID,
	})
	if err != nil {
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to credit renewal tokens")
	}

	s.metrics.RecordTokensCredited(domain.TokenTxRenewal, pl.Name, pl.Tokens)
	s.publisher.TokensCredited(events.TokensCreditedEvent{
		UserID:          sub.UserID.String(),
		Plan:            pl.Name,
		Amount:          pl.Tokens,
		TransactionType: domain.TokenTxRenewal,
		OccurredAt:      s.now(),
	})
	s.logger.Info("renewal tokens credited",
		"user_id", sub.UserID, "amount", pl.Tokens, "balance", balance,
		"subscription_id", sub.StripeSubscriptionID)
	return nil
}

func (s *reconciliationService) ProcessInvoiceFailed(ctx context.Context, invoice *billing.InvoiceData) error {
	const op = "reconcile.invoice_failed"

	if invoice.SubscriptionID == "" {
		return nil
	}

	sub, err := s.store.GetByStripeID(ctx, invoice.SubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			return nil
		}
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to load subscription")
	}
	if sub.Status == domain.StatusPastDue || sub.Status == domain.StatusCanceled {
		return nil
	}

	if _, err := s.store.UpdateState(ctx, domain.UpdateSubscriptionStateParams{
		ID:                 sub.ID,
		Plan:               sub.Plan,
		Status:             domain.StatusPastDue,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}); err != nil {
		return domain.WrapError(err, domain.EINTERNAL, op, "Failed to mark subscription past_due")
	}

	s.metrics.RecordSubscriptionPastDue()
	s.logger.Warn("subscription past due",
		"subscription_id", sub.StripeSubscriptionID, "user_id", sub.UserID, "invoice_id", invoice.ID)
	return nil
}

// =============================================================================
// Manual triggers
// =============================================================================

func (s *reconciliationService) SyncSubscription(ctx context.Context, userID uuid.UUID) (*SyncResult, error) {
	const op = "reconcile.sync"

	rows, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to list subscriptions")
	}

	candidate := pickSyncCandidate(rows)
	if candidate == nil {
		// Nothing Stripe-linked to reconcile against.
		s.metrics.RecordSync("no_subscription")
		return &SyncResult{NeedsSync: false}, nil
	}
	oldPlan := candidate.Plan

	snap, err := s.provider.GetSubscription(ctx, candidate.StripeSubscriptionID)
	if err != nil {
		if isProviderNotFound(err) {
			// Vanished provider-side; the local row is stale.
			if err := s.store.MarkCanceled(ctx, candidate.ID); err != nil {
				return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to cancel stale subscription")
			}
			s.metrics.RecordSync("synced")
			return &SyncResult{
				NeedsSync:          true,
				OldPlan:            oldPlan,
				NewPlan:            plan.Free,
				RequiresPageReload: true,
			}, nil
		}
		return nil, domain.WrapError(err, domain.EPAYMENT, op, "Failed to fetch subscription from Stripe")
	}

	newPlan := candidate.Plan
	if pl, _, ok := s.plans.ByPriceID(snap.PriceID); ok {
		newPlan = pl.Name
	}
	newStatus := statusFromProvider(snap.Status)

	conflicts := int64(0)
	for _, row := range rows {
		if row.ID != candidate.ID && row.Status.IsEntitled() {
			conflicts++
		}
	}

	inSync := newPlan == candidate.Plan &&
		newStatus == candidate.Status &&
		snap.CurrentPeriodStart.Equal(candidate.CurrentPeriodStart) &&
		snap.CurrentPeriodEnd.Equal(candidate.CurrentPeriodEnd) &&
		snap.CancelAtPeriodEnd == candidate.CancelAtPeriodEnd &&
		conflicts == 0
	if inSync {
		s.metrics.RecordSync("in_sync")
		return &SyncResult{NeedsSync: false, OldPlan: oldPlan, NewPlan: newPlan}, nil
	}

	updated, err := s.store.UpdateState(ctx, domain.UpdateSubscriptionStateParams{
		ID:                 candidate.ID,
		Plan:               newPlan,
		Status:             newStatus,
		CurrentPeriodStart: snap.CurrentPeriodStart,
		CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:  snap.CancelAtPeriodEnd,
	})
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to update subscription")
	}

	if updated.Status.IsEntitled() {
		if _, err := s.store.ActivateExclusive(ctx, updated.ID, userID); err != nil {
			return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to deactivate conflicting subscriptions")
		}
	}

	s.metrics.RecordSync("synced")
	s.logger.Info("subscription synced",
		"user_id", userID, "old_plan", oldPlan, "new_plan", newPlan, "status", newStatus)
	return &SyncResult{
		NeedsSync:          true,
		OldPlan:            oldPlan,
		NewPlan:            newPlan,
		RequiresPageReload: oldPlan != newPlan || newStatus.IsEntitled() != candidate.Status.IsEntitled(),
	}, nil
}

// pickSyncCandidate chooses the Stripe-linked row to reconcile against:
// entitled rows first, then the most recent.
func pickSyncCandidate(rows []domain.Subscription) *domain.Subscription {
	var candidate *domain.Subscription
	for i := range rows {
		row := &rows[i]
		if !row.HasStripeLink() {
			continue
		}
		if candidate == nil {
			candidate = row
			continue
		}
		if row.Status.IsEntitled() && !candidate.Status.IsEntitled() {
			candidate = row
		}
	}
	return candidate
}

func (s *reconciliationService) CleanupSubscriptions(ctx context.Context, userID uuid.UUID) (*CleanupResult, error) {
	const op = "reconcile.cleanup"

	active, err := s.store.ListEntitledForUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to list subscriptions")
	}

	switch len(active) {
	case 0:
		return &CleanupResult{}, nil
	case 1:
		return &CleanupResult{Kept: &active[0]}, nil
	}

	// Rank: Stripe-linked beats unlinked, then plan tier, then recency.
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.HasStripeLink() != b.HasStripeLink() {
			return a.HasStripeLink()
		}
		if ta, tb := s.plans.Tier(a.Plan), s.plans.Tier(b.Plan); ta != tb {
			return ta > tb
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	keep := active[0]

	deactivated, err := s.store.ActivateExclusive(ctx, keep.ID, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to deactivate duplicate subscriptions")
	}

	s.metrics.RecordCleanup(deactivated)
	s.logger.Info("duplicate subscriptions cleaned up",
		"user_id", userID, "kept", keep.ID, "deactivated", deactivated)
	return &CleanupResult{Kept: &keep, DeactivatedCount: deactivated}, nil
}

func (s *reconciliationService) DowngradeSubscription(ctx context.Context, stripeSubscriptionID, targetPlan string) (*DowngradeResult, error) {
	const op = "reconcile.downgrade"

	targetPlan = strings.ToLower(targetPlan)
	if targetPlan != plan.Free && targetPlan != plan.Pro {
		return nil, ErrInvalidTargetPlan
	}

	snap, err := s.provider.GetSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		if isProviderNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, domain.WrapError(err, domain.EPAYMENT, op, "Failed to fetch subscription from Stripe")
	}

	currentPlan, cycle, known := s.plans.ByPriceID(snap.PriceID)

	if targetPlan == plan.Free {
		if snap.CancelAtPeriodEnd {
			return nil, ErrCancellationScheduled
		}

		cancel := true
		if _, err := s.provider.UpdateSubscription(ctx, stripeSubscriptionID, billing.SubscriptionPatch{
			CancelAtPeriodEnd: &cancel,
		}); err != nil {
			return nil, domain.WrapError(err, domain.EPAYMENT, op, "Failed to schedule cancellation")
		}

		s.mirrorCancelFlag(ctx, stripeSubscriptionID, true)
		s.metrics.RecordDowngrade(plan.Free)
		s.logger.Info("cancellation scheduled",
			"subscription_id", stripeSubscriptionID, "effective", snap.CurrentPeriodEnd)
		return &DowngradeResult{
			Action:        ActionCancellationScheduled,
			EffectiveDate: snap.CurrentPeriodEnd,
		}, nil
	}

	// Target pro: swap the price on the existing subscription.
	if known && currentPlan.Name == plan.Pro {
		return nil, domain.Errorf(domain.EINVALID, op, "Subscription is already on %s plan", plan.Pro)
	}
	if !known {
		cycle = plan.Monthly
	}

	targetPriceID, ok := s.plans.PriceID(plan.Pro, cycle)
	if !ok {
		return nil, domain.Errorf(domain.EINTERNAL, op, "No %s price configured for %s plan", cycle, plan.Pro)
	}

	if _, err := s.provider.UpdateSubscription(ctx, stripeSubscriptionID, billing.SubscriptionPatch{
		PriceID:           &targetPriceID,
		ProrationBehavior: "none",
	}); err != nil {
		return nil, domain.WrapError(err, domain.EPAYMENT, op, "Failed to downgrade subscription")
	}

	s.mirrorPlan(ctx, stripeSubscriptionID, plan.Pro)
	s.metrics.RecordDowngrade(plan.Pro)
	s.logger.Info("subscription downgraded",
		"subscription_id", stripeSubscriptionID, "target_plan", plan.Pro,
		"effective", snap.CurrentPeriodEnd)
	return &DowngradeResult{
		Action:        ActionPlanDowngraded,
		EffectiveDate: snap.CurrentPeriodEnd,
	}, nil
}

func (s *reconciliationService) CancelSubscription(ctx context.Context, stripeSubscriptionID string) (*CancelResult, error) {
	const op = "reconcile.cancel"

	cancel := true
	snap, err := s.provider.UpdateSubscription(ctx, stripeSubscriptionID, billing.SubscriptionPatch{
		CancelAtPeriodEnd: &cancel,
	})
	if err != nil {
		if isProviderNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, domain.WrapError(err, domain.EPAYMENT, op, "Failed to cancel subscription")
	}

	sub := s.mirrorCancelFlag(ctx, stripeSubscriptionID, true)
	s.logger.Info("cancellation scheduled",
		"subscription_id", stripeSubscriptionID, "cancel_at", snap.CurrentPeriodEnd)
	return &CancelResult{CancelAt: snap.CurrentPeriodEnd, Subscription: sub}, nil
}

func (s *reconciliationService) ReactivateSubscription(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error) {
	const op = "reconcile.reactivate"

	keep := false
	if _, err := s.provider.UpdateSubscription(ctx, stripeSubscriptionID, billing.SubscriptionPatch{
		CancelAtPeriodEnd: &keep,
	}); err != nil {
		if isProviderNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, domain.WrapError(err, domain.EPAYMENT, op, "Failed to reactivate subscription")
	}

	sub := s.mirrorCancelFlag(ctx, stripeSubscriptionID, false)
	s.logger.Info("subscription reactivated", "subscription_id", stripeSubscriptionID)
	return sub, nil
}

func (s *reconciliationService) DebugSubscription(ctx context.Context, userID uuid.UUID) (*DebugReport, error) {
	const op = "reconcile.debug"

	rows, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to list subscriptions")
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, op, "Failed to get token balance")
	}

	report := &DebugReport{
		UserID:       userID,
		TokenBalance: balance,
		Rows:         rows,
	}

	for _, row := range rows {
		if row.StripeCustomerID == "" {
			continue
		}
		snaps, err := s.provider.ListSubscriptions(ctx, row.StripeCustomerID)
		if err != nil {
			report.ProviderError = err.Error()
			break
		}
		report.ProviderState = snaps
		break
	}

	return report, nil
}

// =============================================================================
// Helpers
// =============================================================================

// mirrorCancelFlag copies the provider-side cancellation flag onto the
// local row. Mirror failures are logged, not returned: the provider
// mutation already happened and manual sync closes the gap.
func (s *reconciliationService) mirrorCancelFlag(ctx context.Context, stripeSubscriptionID string, flag bool) *domain.Subscription {
	sub, err := s.store.GetByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		s.logger.Warn("no local row to mirror cancellation flag onto",
			"subscription_id", stripeSubscriptionID, "error", err)
		return nil
	}

	updated, err := s.store.UpdateState(ctx, domain.UpdateSubscriptionStateParams{
		ID:                 sub.ID,
		Plan:               sub.Plan,
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  flag,
	})
	if err != nil {
		s.logger.Error("failed to mirror cancellation flag",
			"subscription_id", stripeSubscriptionID, "error", err)
		return sub
	}
	return updated
}

// mirrorPlan copies a provider-side plan change onto the local row.
// Best effort, same reasoning as mirrorCancelFlag.
func (s *reconciliationService) mirrorPlan(ctx context.Context, stripeSubscriptionID, planName string) {
	sub, err := s.store.GetByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		s.logger.Warn("no local row to mirror plan change onto",
			"subscription_id", stripeSubscriptionID, "error", err)
		return
	}

	if _, err := s.store.UpdateState(ctx, domain.UpdateSubscriptionStateParams{
		ID:                 sub.ID,
		Plan:               planName,
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}); err != nil {
		s.logger.Error("failed to mirror plan change",
			"subscription_id", stripeSubscriptionID, "error", err)
	}
}

// resolveUserID extracts the internal user id from metadata maps, in
// priority order.
func (s *reconciliationService) resolveUserID(metadata ...map[string]string) (uuid.UUID, error) {
	for _, m := range metadata {
		raw, ok := m[metaUserID]
		if !ok || raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid userId metadata %q: %w", raw, err)
		}
		return id, nil
	}
	return uuid.Nil, errors.New("no userId metadata")
}

// resolvePlan resolves the plan for a subscription: the price id is
// authoritative, metadata planType is the fallback.
func (s *reconciliationService) resolvePlan(priceID string, metadata ...map[string]string) (plan.Plan, bool) {
	if pl, _, ok := s.plans.ByPriceID(priceID); ok {
		return pl, true
	}
	for _, m := range metadata {
		if name, ok := m[metaPlanType]; ok && name != "" {
			if pl, ok := s.plans.ByName(name); ok {
				return pl, true
			}
		}
	}
	return plan.Plan{}, false
}

// isProviderNotFound reports whether a billing error means the
// subscription does not exist provider-side.
func isProviderNotFound(err error) bool {
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return true
	}
	var sErr *billing.StripeError
	return errors.As(err, &sErr) && sErr.IsNotFound()
}
