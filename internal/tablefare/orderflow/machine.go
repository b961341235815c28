package orderflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
	"github.com/tablefare/tablefare/internal/tablefare/notify"
)

// allowedFrom lists, for each target status, the statuses an order may come
// from. COMPLETED and CANCELLED are terminal: nothing transitions out of them.
var allowedFrom = map[models.OrderStatus][]models.OrderStatus{
	models.OrderConfirmed:      {models.OrderPending},
	models.OrderPreparing:      {models.OrderConfirmed},
	models.OrderReady:          {models.OrderPreparing},
	models.OrderOutForDelivery: {models.OrderReady},
	models.OrderCompleted:      {models.OrderOutForDelivery},
	models.OrderCancelled:      {models.OrderPending, models.OrderConfirmed, models.OrderPreparing, models.OrderReady},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Store is the persistence surface the manager needs. Implemented by
// repository.PostgresRepository.
type Store interface {
	TransitionOrder(ctx context.Context, orderID int64, to models.OrderStatus, allowedFrom []models.OrderStatus, changedBy int64, notes string) (*models.Order, error)
	PaidPaymentForOrder(ctx context.Context, orderID int64) (*models.Payment, error)
}

// Refunder issues refunds; implemented by payment.Orchestrator
type Refunder interface {
	Refund(ctx context.Context, paymentID uuid.UUID, amount money.Money, reason string, processedBy *int64) (*models.Refund, error)
}

// Manager governs order status transitions and their side effects: the
// per-status timestamps, the immutable history trail, and the compensating
// refund when a paid order is cancelled.
type Manager struct {
	store    Store
	refunder Refunder
	sink     notify.Sink
}

// NewManager creates a status manager
func NewManager(store Store, refunder Refunder, sink notify.Sink) *Manager {
	return &Manager{store: store, refunder: refunder, sink: sink}
}

// Transition moves the order to a new status. Illegal moves fail with
// InvalidTransition and leave the order and its history untouched.
//
// When the target is CANCELLED and a PAID payment exists, a full refund is
// issued after the cancellation commits. A refund failure does not undo the
// cancellation; it is recorded and returned so staff can reconcile.
func (m *Manager) Transition(ctx context.Context, orderID int64, to models.OrderStatus, changedBy int64, notes string) (*models.Order, error) {
	from, ok := allowedFrom[to]
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidTransition, "no transition leads to status %s", to).
			With("to", string(to))
	}

	order, err := m.store.TransitionOrder(ctx, orderID, to, from, changedBy, notes)
	if err != nil {
		return nil, err
	}

	slog.Info("order status changed", "order_id", orderID, "order_number", order.Number, "status", to, "changed_by", changedBy)
	m.sink.Notify(ctx, "order.status_changed", order)

	if to == models.OrderCancelled {
		if err := m.refundCancelled(ctx, order, changedBy); err != nil {
			return order, err
		}
	}
	return order, nil
}

// Cancel cancels the order with the given reason
func (m *Manager) Cancel(ctx context.Context, orderID, changedBy int64, reason string) (*models.Order, error) {
	return m.Transition(ctx, orderID, models.OrderCancelled, changedBy, reason)
}

// refundCancelled reconciles a cancelled order that has already been paid
func (m *Manager) refundCancelled(ctx context.Context, order *models.Order, changedBy int64) error {
	payment, err := m.store.PaidPaymentForOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if payment == nil {
		return nil
	}

	_, err = m.refunder.Refund(ctx, payment.ID, payment.Amount, "order cancelled", &changedBy)
	if err != nil {
		slog.Error("refund for cancelled order failed, manual reconciliation needed",
			"order_id", order.ID, "payment_id", payment.ID, "error", err)
		return err
	}

	slog.Info("cancelled order refunded", "order_id", order.ID, "payment_id", payment.ID, "amount", payment.Amount.String())
	return nil
}
