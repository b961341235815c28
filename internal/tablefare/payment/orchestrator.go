package payment

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
	"github.com/tablefare/tablefare/internal/tablefare/notify"
)

// Store is the persistence surface the orchestrator needs. Implemented by
// repository.PostgresRepository.
type Store interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	BeginOrderPayment(ctx context.Context, orderID int64) error
	ReleaseOrderPayment(ctx context.Context, orderID int64) error
	CompleteOrderPayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	BeginPaymentRefund(ctx context.Context, paymentID uuid.UUID, amount money.Money) error
	RecordRefund(ctx context.Context, refund *models.Refund) (models.PaymentStatus, error)
	MarkPaymentVoided(ctx context.Context, id uuid.UUID) error
}

// Orchestrator dispatches charges, refunds and voids to the configured
// providers and records every outcome. Failures are recorded before they are
// re-raised; no money movement goes unlogged.
type Orchestrator struct {
	store    Store
	registry *Registry
	sink     notify.Sink
}

// NewOrchestrator creates a payment orchestrator
func NewOrchestrator(store Store, registry *Registry, sink notify.Sink) *Orchestrator {
	return &Orchestrator{store: store, registry: registry, sink: sink}
}

// Charge processes one payment attempt for an order. Exactly one payment row
// is written per attempt: PAID on approval, FAILED (with the error message)
// on decline, validation failure or provider outage. The order's payment
// status settles to PAID or FAILED in the same transaction, never lingering
// in PENDING after the call returns.
func (o *Orchestrator) Charge(ctx context.Context, req ChargeRequest) (*models.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.New(apperr.KindInvalidArgument, "charge amount must be positive").
			With("amount", req.Amount.String())
	}

	order, err := o.store.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "order %d not found", req.OrderID)
	}
	req.OrderNumber = order.Number

	// Claim the order: concurrent charge attempts serialize here
	if err := o.store.BeginOrderPayment(ctx, req.OrderID); err != nil {
		return nil, err
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	provider, err := o.registry.Resolve(req.Method, req.TerminalID)
	if err != nil {
		o.recordFailure(ctx, req, "unknown", err)
		return nil, err
	}

	slog.Info("processing payment", "order_id", req.OrderID, "amount", req.Amount.String(), "method", req.Method, "provider", provider.Name())

	result, err := provider.Charge(ctx, req)
	if err != nil {
		o.recordFailure(ctx, req, provider.Name(), err)
		return nil, err
	}

	payment := &models.Payment{
		ID:            uuid.New(),
		OrderID:       req.OrderID,
		Method:        req.Method,
		Provider:      result.Provider,
		Amount:        req.Amount,
		Status:        result.Status,
		TransactionID: result.TransactionID,
		AuthCode:      result.AuthCode,
		CardLast4:     result.CardLast4,
		CardBrand:     result.CardBrand,
		CardToken:     result.CardToken,
		Metadata:      result.Metadata,
	}
	if err := o.store.CompleteOrderPayment(ctx, payment); err != nil {
		return nil, err
	}

	slog.Info("payment processed", "payment_id", payment.ID, "order_id", req.OrderID, "transaction_id", payment.TransactionID)
	o.sink.Notify(ctx, "payment.paid", payment)
	return payment, nil
}

// recordFailure persists the FAILED payment row and settles the order before
// the original error travels up. Record-then-rethrow: the audit trail exists
// even though the operation reports failure.
func (o *Orchestrator) recordFailure(ctx context.Context, req ChargeRequest, provider string, cause error) {
	payment := &models.Payment{
		ID:           uuid.New(),
		OrderID:      req.OrderID,
		Method:       req.Method,
		Provider:     provider,
		Amount:       req.Amount,
		Status:       models.PaymentFailed,
		ErrorMessage: cause.Error(),
	}
	if err := o.store.CompleteOrderPayment(ctx, payment); err != nil {
		slog.Error("failed to record payment failure", "order_id", req.OrderID, "error", err, "cause", cause)
		// Drop the PENDING claim so the next charge attempt is not locked out
		if rerr := o.store.ReleaseOrderPayment(ctx, req.OrderID); rerr != nil {
			slog.Error("failed to release payment claim", "order_id", req.OrderID, "error", rerr)
		}
		return
	}
	slog.Error("payment failed", "payment_id", payment.ID, "order_id", req.OrderID, "provider", provider, "error", cause)
	o.sink.Notify(ctx, "payment.failed", payment)
}

// Refund refunds part or all of a paid payment through its original
// provider. The payment is claimed for the refund before the provider is
// called, mirroring the charge path: the claim serializes competing refunds
// and voids, and rejects any amount the completed refunds would not leave
// room for. The payment moves to REFUNDED once completed refunds cover the
// charged amount, PARTIALLY_REFUNDED before that.
func (o *Orchestrator) Refund(ctx context.Context, paymentID uuid.UUID, amount money.Money, reason string, processedBy *int64) (*models.Refund, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.KindInvalidArgument, "refund amount must be positive").
			With("amount", amount.String())
	}

	payment, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "payment %s not found", paymentID)
	}
	if payment.Status != models.PaymentPaid && payment.Status != models.PaymentPartiallyRefunded {
		return nil, apperr.Newf(apperr.KindInvalidState, "can only refund paid transactions (status %s)", payment.Status)
	}

	provider, err := o.registry.ByName(payment.Provider)
	if err != nil {
		return nil, err
	}

	// Claim the payment: no money moves unless the claim holds. The claim
	// re-checks the status under a row lock, so a racing void or refund
	// cannot slip between the read above and the provider call.
	if err := o.store.BeginPaymentRefund(ctx, paymentID, amount); err != nil {
		return nil, err
	}

	refundTxID, err := provider.Refund(ctx, RefundRequest{
		TransactionID: payment.TransactionID,
		Amount:        amount,
		CardLast4:     payment.CardLast4,
	})
	if err != nil {
		slog.Error("provider refund failed", "payment_id", paymentID, "provider", payment.Provider, "error", err)
		o.recordRefundFailure(ctx, paymentID, amount, reason, processedBy, err)
		return nil, err
	}

	refund := &models.Refund{
		ID:            uuid.New(),
		PaymentID:     paymentID,
		Amount:        amount,
		Status:        models.RefundCompleted,
		TransactionID: refundTxID,
		Reason:        reason,
		ProcessedBy:   processedBy,
	}
	newStatus, err := o.store.RecordRefund(ctx, refund)
	if err != nil {
		return nil, err
	}

	slog.Info("refund processed", "refund_id", refund.ID, "payment_id", paymentID, "amount", amount.String(), "payment_status", newStatus)
	o.sink.Notify(ctx, "payment.refunded", refund)
	return refund, nil
}

// recordRefundFailure writes the failed refund row so the attempt leaves an
// audit trail. Recording it also settles the claim: the payment drops back to
// the status its completed refunds imply.
func (o *Orchestrator) recordRefundFailure(ctx context.Context, paymentID uuid.UUID, amount money.Money, reason string, processedBy *int64, cause error) {
	refund := &models.Refund{
		ID:          uuid.New(),
		PaymentID:   paymentID,
		Amount:      amount,
		Status:      models.RefundFailed,
		Reason:      reason,
		ProcessedBy: processedBy,
	}
	if _, err := o.store.RecordRefund(ctx, refund); err != nil {
		slog.Error("failed to record refund failure", "payment_id", paymentID, "error", err, "cause", cause)
	}
}

// Void cancels a paid payment before settlement through providers that
// support it, then marks the payment VOIDED. VOIDED is distinct from FAILED:
// a void is an operator action, not a processing failure.
func (o *Orchestrator) Void(ctx context.Context, paymentID uuid.UUID) error {
	payment, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return apperr.Newf(apperr.KindNotFound, "payment %s not found", paymentID)
	}
	if payment.Status != models.PaymentPaid {
		return apperr.Newf(apperr.KindInvalidState, "can only void paid transactions (status %s)", payment.Status)
	}

	provider, err := o.registry.ByName(payment.Provider)
	if err != nil {
		return err
	}
	if provider.SupportsVoid() {
		if err := provider.Void(ctx, payment.TransactionID); err != nil {
			slog.Error("provider void failed", "payment_id", paymentID, "provider", payment.Provider, "error", err)
			return err
		}
	}

	if err := o.store.MarkPaymentVoided(ctx, paymentID); err != nil {
		return err
	}

	slog.Info("payment voided", "payment_id", paymentID)
	o.sink.Notify(ctx, "payment.voided", payment)
	return nil
}
