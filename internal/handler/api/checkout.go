package api

import (
	"net/http"

	"github.com/fp101fs/wp-gen-sub001/internal/handler"
	"github.com/fp101fs/wp-gen-sub001/internal/middleware"
	"github.com/fp101fs/wp-gen-sub001/internal/service"
	"github.com/google/uuid"
)

// CreateCheckoutSession handles POST /api/create-checkout-session.
// The price id must belong to the plan catalog; the user id is carried
// in session metadata so webhook deliveries can attribute the
// resulting subscription.
func (h *SubscriptionHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PriceID      string    `json:"priceId" validate:"required"`
		UserID       uuid.UUID `json:"userId" validate:"required"`
		CustomerID   string    `json:"customerId"`
		UserEmail    string    `json:"userEmail" validate:"omitempty,email"`
		BillingCycle string    `json:"billingCycle" validate:"omitempty,oneof=monthly yearly"`
		PlanType     string    `json:"planType"`
		CouponID     string    `json:"couponId"`
	}
	if err := h.decodeAndValidate(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	session, err := h.reconciler.CreateCheckoutSession(r.Context(), service.CreateCheckoutParams{
		PriceID:      req.PriceID,
		UserID:       req.UserID,
		CustomerID:   req.CustomerID,
		UserEmail:    req.UserEmail,
		BillingCycle: req.BillingCycle,
		PlanType:     req.PlanType,
		CouponID:     req.CouponID,
	})
	if err != nil {
		middleware.GetLogger(r.Context(), h.logger).Error("create checkout session failed",
			"price_id", req.PriceID, "user_id", req.UserID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]any{
		"sessionId": session.ID,
		"url":       session.URL,
	})
}
