// Package api exposes the subscription management endpoints consumed
// by the frontend.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/fp101fs/wp-gen-sub001/internal/handler"
	"github.com/fp101fs/wp-gen-sub001/internal/middleware"
	"github.com/fp101fs/wp-gen-sub001/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SubscriptionHandler handles subscription lifecycle requests.
type SubscriptionHandler struct {
	reconciler service.ReconciliationService
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewSubscriptionHandler creates a new subscription handler.
func NewSubscriptionHandler(reconciler service.ReconciliationService, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{
		reconciler: reconciler,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}
}

// decodeAndValidate reads the JSON body into dst and runs struct
// validation, translating the first violation into a user-facing
// EINVALID error.
func (h *SubscriptionHandler) decodeAndValidate(r *http.Request, dst any) error {
	if err := handler.Decode(r, dst); err != nil {
		return err
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.Invalid("", fmt.Sprintf("Field %q failed %q validation", fe.Field(), fe.Tag()))
		}
		return domain.Invalid("", "Invalid request body")
	}
	return nil
}

// subscriptionView is the JSON shape of a subscription row.
type subscriptionView struct {
	ID                   uuid.UUID `json:"id"`
	UserID               uuid.UUID `json:"userId"`
	Plan                 string    `json:"plan"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty"`
	Status               string    `json:"status"`
	CurrentPeriodStart   time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd    bool      `json:"cancelAtPeriodEnd"`
}

func viewOf(sub *domain.Subscription) *subscriptionView {
	if sub == nil {
		return nil
	}
	return &subscriptionView{
		ID:                   sub.ID,
		UserID:               sub.UserID,
		Plan:                 sub.Plan,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		Status:               string(sub.Status),
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
}

// CancelSubscription handles POST /api/cancel-subscription.
// Schedules cancellation at the end of the current billing period; the
// subscription stays entitled until then.
func (h *SubscriptionHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID string `json:"subscriptionId" validate:"required"`
	}
	if err := h.decodeAndValidate(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	result, err := h.reconciler.CancelSubscription(r.Context(), req.SubscriptionID)
	if err != nil {
		middleware.GetLogger(r.Context(), h.logger).Error("cancel subscription failed", "subscription_id", req.SubscriptionID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"cancelAt":     result.CancelAt,
		"subscription": viewOf(result.Subscription),
	})
}

// ReactivateSubscription handles POST /api/reactivate-subscription.
// Revokes a scheduled cancellation.
func (h *SubscriptionHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID string `json:"subscriptionId" validate:"required"`
	}
	if err := h.decodeAndValidate(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	sub, err := h.reconciler.ReactivateSubscription(r.Context(), req.SubscriptionID)
	if err != nil {
		middleware.GetLogger(r.Context(), h.logger).Error("reactivate subscription failed", "subscription_id", req.SubscriptionID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"subscription": viewOf(sub),
	})
}

// DowngradeSubscription handles POST /api/downgrade-subscription.
// Target free schedules a cancellation; target pro swaps the price at
// the period boundary without proration.
func (h *SubscriptionHandler) DowngradeSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID string `json:"subscriptionId" validate:"required"`
		TargetPlan     string `json:"targetPlan" validate:"required,oneof=free pro"`
	}
	if err := h.decodeAndValidate(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	result, err := h.reconciler.DowngradeSubscription(r.Context(), req.SubscriptionID, req.TargetPlan)
	if err != nil {
		middleware.GetLogger(r.Context(), h.logger).Error("downgrade failed",
			"subscription_id", req.SubscriptionID, "target_plan", req.TargetPlan, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"action":        result.Action,
		"effectiveDate": result.EffectiveDate,
	})
}

// SyncSubscription handles POST /api/sync-subscription.
// Pulls the provider-side state and reconciles the local rows with it.
func (h *SubscriptionHandler) SyncSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId" validate:"required"`
	}
	if err := h.decodeAndValidate(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	result, err := h.reconciler.SyncSubscription(r.Context(), req.UserID)
	if err != nil {
		middleware.GetLogger(r.Context(), h.logger).Error("sync failed", "user_id", req.UserID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"needsSync":          result.NeedsSync,
		"oldPlan":            result.OldPlan,
		"newPlan":            result.NewPlan,
		"requiresPageReload": result.RequiresPageReload,
	})
}

// CleanupSubscriptions handles POST /api/cleanup-subscriptions.
// Collapses multiple entitled rows down to the single best one.
func (h *SubscriptionHandler) CleanupSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId" validate:"required"`
	}
	if err := h.decodeAndValidate(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	result, err := h.reconciler.CleanupSubscriptions(r.Context(), req.UserID)
	if err != nil {
		middleware.GetLogger(r.Context(), h.logger).Error("cleanup failed", "user_id", req.UserID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"keptSubscription": viewOf(result.Kept),
		"deactivatedCount": result.DeactivatedCount,
	})
}

// DebugSubscription handles POST /api/debug-subscription.
// Returns the raw local rows, token balance and provider-side state
// for support investigations.
func (h *SubscriptionHandler) DebugSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId" validate:"required"`
	}
	if err := h.decodeAndValidate(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	report, err := h.reconciler.DebugSubscription(r.Context(), req.UserID)
	if err != nil {
		middleware.GetLogger(r.Context(), h.logger).Error("debug report failed", "user_id", req.UserID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, report)
}
