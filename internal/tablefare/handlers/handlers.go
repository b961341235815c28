package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/loyalty"
	"github.com/tablefare/tablefare/internal/tablefare/middleware"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
	"github.com/tablefare/tablefare/internal/tablefare/orderflow"
	"github.com/tablefare/tablefare/internal/tablefare/payment"
	"github.com/tablefare/tablefare/internal/tablefare/pricing"
	"github.com/tablefare/tablefare/internal/tablefare/repository"
)

// orderNumberAttempts bounds regeneration after an order number collision
const orderNumberAttempts = 3

// Handler handles all HTTP requests
type Handler struct {
	Repo     repository.Repository
	Loyalty  *loyalty.Service
	Pricer   *pricing.Calculator
	Payments *payment.Orchestrator
	Orders   *orderflow.Manager
}

// NewHandler creates a new handler
func NewHandler(repo repository.Repository, loyaltySvc *loyalty.Service, pricer *pricing.Calculator, payments *payment.Orchestrator, orders *orderflow.Manager) *Handler {
	return &Handler{
		Repo:     repo,
		Loyalty:  loyaltySvc,
		Pricer:   pricer,
		Payments: payments,
		Orders:   orders,
	}
}

// writeJSON writes a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps an error to its HTTP status and writes a JSON body
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// urlID parses the {id} URL parameter
func urlID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.KindInvalidArgument, "invalid id")
	}
	return id, nil
}

// GetLoyaltyAccount returns the caller's account with recent transactions
func (h *Handler) GetLoyaltyAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	details, err := h.Loyalty.GetAccountDetails(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

// RedeemPoints exchanges the caller's points for an order discount
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		OrderID int64 `json:"order_id"`
		Points  int64 `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	account, discount, err := h.Loyalty.RedeemPoints(r.Context(), userID, req.OrderID, req.Points)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":  account,
		"discount": discount,
	})
}

// EarnPoints awards points for a paid order amount. Staff-only; the normal
// path is the award made automatically when a charge settles.
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  int64  `json:"user_id"`
		OrderID int64  `json:"order_id"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	amount, err := money.FromString(req.Amount)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid amount"))
		return
	}

	account, err := h.Loyalty.EarnPoints(r.Context(), req.UserID, req.OrderID, amount)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// AwardBonus credits promotional points to a user. Admin-only.
func (h *Handler) AwardBonus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      int64  `json:"user_id"`
		Points      int64  `json:"points"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.Points <= 0 {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "points must be greater than 0"))
		return
	}

	account, err := h.Loyalty.AwardBonusPoints(r.Context(), req.UserID, req.Points, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// AdjustPoints applies a manual correction to a user's balance. Admin-only.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Points int64  `json:"points"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.Points == 0 || req.Reason == "" {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "points and reason are required"))
		return
	}

	account, err := h.Loyalty.AdjustPoints(r.Context(), req.UserID, req.Points, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// GetLoyaltyStats returns program-wide aggregates. Admin-only.
func (h *Handler) GetLoyaltyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Loyalty.GetLoyaltyStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ExpirePoints runs the expiration sweep once. Admin-only; an external
// scheduler calls this on a cron.
func (h *Handler) ExpirePoints(w http.ResponseWriter, r *http.Request) {
	processed, err := h.Loyalty.ExpirePoints(r.Context())
	if err != nil {
		// Partial progress is still reported
		slog.Error("expiration sweep finished with errors", "processed", processed, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// CreateOrder prices and persists a new order. Points redemption, when
// requested, is applied as a discount and deducted after the order commits;
// a failed deduction cancels the order so discount and ledger stay matched.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Items []struct {
			ItemID    int64  `json:"item_id"`
			UnitPrice string `json:"unit_price"`
			Quantity  int64  `json:"quantity"`
			Modifiers []struct {
				ModifierID int64  `json:"modifier_id"`
				Price      string `json:"price"`
				Quantity   int64  `json:"quantity"`
			} `json:"modifiers"`
		} `json:"items"`
		TipAmount           string `json:"tip_amount"`
		DeliveryFee         string `json:"delivery_fee"`
		DiscountAmount      string `json:"discount_amount"`
		RedeemPoints        int64  `json:"redeem_points"`
		SpecialInstructions string `json:"special_instructions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, in := range req.Items {
		unitPrice, err := money.FromString(in.UnitPrice)
		if err != nil {
			writeError(w, apperr.Newf(apperr.KindInvalidArgument, "invalid unit price for item %d", in.ItemID))
			return
		}
		item := models.OrderItem{ItemID: in.ItemID, UnitPrice: unitPrice, Quantity: in.Quantity}
		for _, m := range in.Modifiers {
			price, err := money.FromString(m.Price)
			if err != nil {
				writeError(w, apperr.Newf(apperr.KindInvalidArgument, "invalid price for modifier %d", m.ModifierID))
				return
			}
			item.Modifiers = append(item.Modifiers, models.OrderItemModifier{
				ModifierID: m.ModifierID, Price: price, Quantity: m.Quantity,
			})
		}
		items = append(items, item)
	}

	tip, err := optionalAmount(req.TipAmount)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid tip amount"))
		return
	}
	deliveryFee, err := optionalAmount(req.DeliveryFee)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid delivery fee"))
		return
	}
	discount, err := optionalAmount(req.DiscountAmount)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid discount amount"))
		return
	}

	loyaltyDiscount := money.Zero()
	if req.RedeemPoints > 0 {
		loyaltyDiscount = loyalty.DiscountForPoints(req.RedeemPoints)
	}

	quote, err := h.Pricer.Price(items, tip, deliveryFee, discount, loyaltyDiscount)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	order := &models.Order{
		UserID:              userID,
		Status:              models.OrderPending,
		PaymentStatus:       models.PaymentUnpaid,
		Items:               items,
		Subtotal:            quote.Subtotal,
		TaxAmount:           quote.TaxAmount,
		TipAmount:           quote.TipAmount,
		DeliveryFee:         quote.DeliveryFee,
		DiscountAmount:      quote.DiscountAmount,
		LoyaltyDiscount:     quote.LoyaltyDiscount,
		Total:               quote.Total,
		SpecialInstructions: req.SpecialInstructions,
	}

	// Generate the order number, regenerating on a collision
	for attempt := 0; ; attempt++ {
		seq, err := h.Repo.NextOrderSeq(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		order.Number = pricing.OrderNumber(seq)

		err = h.Repo.CreateOrder(ctx, order)
		if err == nil {
			break
		}
		if apperr.IsKind(err, apperr.KindConflict) && attempt < orderNumberAttempts-1 {
			continue
		}
		writeError(w, err)
		return
	}

	// Deduct the redeemed points now that the order exists. On failure the
	// order is cancelled so no unpaid-for discount survives.
	if req.RedeemPoints > 0 {
		if _, _, err := h.Loyalty.RedeemPoints(ctx, userID, order.ID, req.RedeemPoints); err != nil {
			if _, cancelErr := h.Orders.Cancel(ctx, order.ID, userID, "loyalty redemption failed"); cancelErr != nil {
				slog.Error("failed to cancel order after redemption failure", "order_id", order.ID, "error", cancelErr)
			}
			writeError(w, err)
			return
		}
	}

	slog.Info("order created", "order_id", order.ID, "order_number", order.Number, "user_id", userID, "total", order.Total.String())
	writeJSON(w, http.StatusCreated, order)
}

// GetOrder returns one order
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	order, err := h.Repo.GetOrderByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if order == nil {
		writeError(w, apperr.Newf(apperr.KindNotFound, "order %d not found", id))
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// TransitionOrder moves an order to a new status. Staff-only.
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Status models.OrderStatus `json:"status"`
		Notes  string             `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	order, err := h.Orders.Transition(r.Context(), id, req.Status, userID, req.Notes)
	if err != nil {
		// A cancellation may commit while its refund fails; report both
		if order != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"order":        order,
				"refund_error": err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels an order, refunding it if already paid
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	order, err := h.Orders.Cancel(r.Context(), id, userID, req.Reason)
	if err != nil {
		if order != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"order":        order,
				"refund_error": err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// ChargeOrder charges the full order total through the routed provider and,
// on success, awards loyalty points on the merchandise subtotal.
func (h *Handler) ChargeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Method      models.PaymentMethod `json:"method"`
		CardNumber  string               `json:"card_number"`
		ExpiryMonth string               `json:"expiry_month"`
		ExpiryYear  string               `json:"expiry_year"`
		CVV         string               `json:"cvv"`
		CardToken   string               `json:"card_token"`
		TerminalID  string               `json:"terminal_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	order, err := h.Repo.GetOrderByID(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if order == nil {
		writeError(w, apperr.Newf(apperr.KindNotFound, "order %d not found", id))
		return
	}

	pmt, err := h.Payments.Charge(ctx, payment.ChargeRequest{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Amount:      order.Total,
		Method:      req.Method,
		CardNumber:  req.CardNumber,
		ExpiryMonth: req.ExpiryMonth,
		ExpiryYear:  req.ExpiryYear,
		CVV:         req.CVV,
		CardToken:   req.CardToken,
		TerminalID:  req.TerminalID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// Points are earned on merchandise spend, not tax or tip. An award
	// failure does not unwind the charge.
	if _, err := h.Loyalty.EarnPoints(ctx, order.UserID, order.ID, order.Subtotal); err != nil {
		slog.Error("failed to award points for paid order", "order_id", order.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, pmt)
}

// RefundPayment refunds part or all of a settled payment. Staff-only.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PaymentID string `json:"payment_id"`
		Amount    string `json:"amount"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	paymentID, err := uuid.Parse(req.PaymentID)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid payment id"))
		return
	}

	amount, err := money.FromString(req.Amount)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid refund amount"))
		return
	}

	refund, err := h.Payments.Refund(r.Context(), paymentID, amount, req.Reason, &userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refund)
}

// VoidPayment voids a settled payment before batch settlement. Staff-only.
func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	paymentID, err := uuid.Parse(req.PaymentID)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid payment id"))
		return
	}

	if err := h.Payments.Void(r.Context(), paymentID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// optionalAmount parses an amount string, treating empty as zero
func optionalAmount(s string) (money.Money, error) {
	if s == "" {
		return money.Zero(), nil
	}
	return money.FromString(s)
}
