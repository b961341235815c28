package payment

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
	"github.com/tablefare/tablefare/internal/tablefare/notify"
)

// fakePaymentStore mirrors the repository's payment semantics in memory,
// including the order claim, the refund claim and the refund aggregation.
type fakePaymentStore struct {
	orders   map[int64]*models.Order
	payments map[uuid.UUID]*models.Payment
	refunds  []models.Refund

	completeErr error
}

func newFakePaymentStore(orders ...*models.Order) *fakePaymentStore {
	s := &fakePaymentStore{
		orders:   make(map[int64]*models.Order),
		payments: make(map[uuid.UUID]*models.Payment),
	}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakePaymentStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return order, nil
}

func (s *fakePaymentStore) BeginOrderPayment(ctx context.Context, orderID int64) error {
	order, ok := s.orders[orderID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "order %d not found", orderID)
	}
	switch order.PaymentStatus {
	case models.PaymentPaid:
		return apperr.Newf(apperr.KindInvalidState, "order %d is already paid", orderID)
	case models.PaymentPending:
		return apperr.Newf(apperr.KindConflict, "a payment for order %d is already in flight", orderID)
	}
	order.PaymentStatus = models.PaymentPending
	return nil
}

func (s *fakePaymentStore) ReleaseOrderPayment(ctx context.Context, orderID int64) error {
	if order, ok := s.orders[orderID]; ok && order.PaymentStatus == models.PaymentPending {
		order.PaymentStatus = models.PaymentFailed
	}
	return nil
}

func (s *fakePaymentStore) CompleteOrderPayment(ctx context.Context, payment *models.Payment) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.payments[payment.ID] = payment
	if order, ok := s.orders[payment.OrderID]; ok {
		order.PaymentStatus = payment.Status
	}
	return nil
}

func (s *fakePaymentStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, ok := s.payments[id]
	if !ok {
		return nil, nil
	}
	return payment, nil
}

func (s *fakePaymentStore) refundedTotal(paymentID uuid.UUID) money.Money {
	total := money.Zero()
	for _, r := range s.refunds {
		if r.PaymentID == paymentID && r.Status == models.RefundCompleted {
			total = total.Add(r.Amount)
		}
	}
	return total
}

func (s *fakePaymentStore) BeginPaymentRefund(ctx context.Context, paymentID uuid.UUID, amount money.Money) error {
	payment, ok := s.payments[paymentID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "payment %s not found", paymentID)
	}
	switch payment.Status {
	case models.PaymentRefundPending:
		return apperr.Newf(apperr.KindConflict, "another refund for payment %s is in flight", paymentID)
	case models.PaymentPaid, models.PaymentPartiallyRefunded:
	default:
		return apperr.Newf(apperr.KindInvalidState, "can only refund paid transactions (status %s)", payment.Status)
	}
	if s.refundedTotal(paymentID).Add(amount).Cmp(payment.Amount) > 0 {
		return apperr.New(apperr.KindInvalidArgument, "refund exceeds the refundable amount")
	}
	payment.Status = models.PaymentRefundPending
	return nil
}

func (s *fakePaymentStore) RecordRefund(ctx context.Context, refund *models.Refund) (models.PaymentStatus, error) {
	payment, ok := s.payments[refund.PaymentID]
	if !ok {
		return "", apperr.Newf(apperr.KindNotFound, "payment %s not found", refund.PaymentID)
	}
	if payment.Status != models.PaymentRefundPending {
		return "", apperr.Newf(apperr.KindInvalidState, "no refund in flight for payment %s (status %s)", refund.PaymentID, payment.Status)
	}
	s.refunds = append(s.refunds, *refund)

	total := s.refundedTotal(refund.PaymentID)
	newStatus := models.PaymentPaid
	if total.IsPositive() {
		newStatus = models.PaymentPartiallyRefunded
		if total.GreaterThanOrEqual(payment.Amount) {
			newStatus = models.PaymentRefunded
		}
	}
	payment.Status = newStatus
	return newStatus, nil
}

func (s *fakePaymentStore) MarkPaymentVoided(ctx context.Context, id uuid.UUID) error {
	payment, ok := s.payments[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "payment %s not found", id)
	}
	if payment.Status != models.PaymentPaid {
		return apperr.Newf(apperr.KindInvalidState, "can only void paid transactions (status %s)", payment.Status)
	}
	payment.Status = models.PaymentVoided
	return nil
}

// fakeProvider is a scriptable gateway adapter
type fakeProvider struct {
	name         string
	chargeResult *Result
	chargeErr    error
	refundErr    error
	voidable     bool

	chargeReqs []ChargeRequest
	refundReqs []RefundRequest
	voidedTxs  []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	p.chargeReqs = append(p.chargeReqs, req)
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	return p.chargeResult, nil
}

func (p *fakeProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	p.refundReqs = append(p.refundReqs, req)
	if p.refundErr != nil {
		return "", p.refundErr
	}
	return "REF-" + req.TransactionID, nil
}

func (p *fakeProvider) SupportsVoid() bool { return p.voidable }

func (p *fakeProvider) Void(ctx context.Context, transactionID string) error {
	p.voidedTxs = append(p.voidedTxs, transactionID)
	return nil
}

func approvedCard(name string) *fakeProvider {
	return &fakeProvider{
		name:     name,
		voidable: true,
		chargeResult: &Result{
			Provider:      name,
			Status:        models.PaymentPaid,
			TransactionID: "TX-1",
			AuthCode:      "OK",
			CardLast4:     "1111",
			CardBrand:     BrandVisa,
		},
	}
}

func testOrder(id int64) *models.Order {
	return &models.Order{
		ID:            id,
		Number:        "ORD-1-1",
		UserID:        1,
		Status:        models.OrderPending,
		PaymentStatus: models.PaymentUnpaid,
		Total:         money.MustFromString("25.00"),
	}
}

func chargeReq(orderID int64) ChargeRequest {
	return ChargeRequest{
		OrderID:    orderID,
		Amount:     money.MustFromString("25.00"),
		Method:     models.MethodCreditCard,
		CardNumber: "4111111111111111",
	}
}

func TestCharge_Approved(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})

	payment, err := orch.Charge(context.Background(), chargeReq(1))
	require.NoError(t, err)

	assert.Equal(t, models.PaymentPaid, payment.Status)
	assert.Equal(t, "TX-1", payment.TransactionID)
	assert.Equal(t, models.PaymentPaid, store.orders[1].PaymentStatus)
	assert.Len(t, store.payments, 1)

	// The adapter saw a generated idempotency key
	require.Len(t, card.chargeReqs, 1)
	assert.NotEmpty(t, card.chargeReqs[0].IdempotencyKey)
}

func TestCharge_DeclineRecordsOneFailedRow(t *testing.T) {
	card := approvedCard("cardgate")
	card.chargeErr = apperr.New(apperr.KindPaymentDeclined, "card declined")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})

	_, err := orch.Charge(context.Background(), chargeReq(1))
	assert.True(t, apperr.IsKind(err, apperr.KindPaymentDeclined))

	require.Len(t, store.payments, 1)
	for _, p := range store.payments {
		assert.Equal(t, models.PaymentFailed, p.Status)
		assert.Contains(t, p.ErrorMessage, "card declined")
	}
	assert.Equal(t, models.PaymentFailed, store.orders[1].PaymentStatus)
}

func TestCharge_ReleasesClaimWhenFailureWriteFails(t *testing.T) {
	card := approvedCard("cardgate")
	card.chargeErr = apperr.New(apperr.KindPaymentDeclined, "card declined")
	store := newFakePaymentStore(testOrder(1))
	store.completeErr = apperr.New(apperr.KindInternal, "database down")
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})

	_, err := orch.Charge(context.Background(), chargeReq(1))
	assert.True(t, apperr.IsKind(err, apperr.KindPaymentDeclined))

	// The claim does not survive the lost failure write: the order settles to
	// FAILED and the next charge attempt is not locked out
	assert.Equal(t, models.PaymentFailed, store.orders[1].PaymentStatus)

	store.completeErr = nil
	card.chargeErr = nil
	_, err = orch.Charge(context.Background(), chargeReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, store.orders[1].PaymentStatus)
}

func TestCharge_NonPositiveAmount(t *testing.T) {
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(approvedCard("cardgate"), NewCashProvider()), notify.NopSink{})

	req := chargeReq(1)
	req.Amount = money.Zero()

	_, err := orch.Charge(context.Background(), req)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
	assert.Empty(t, store.payments)
}

func TestCharge_AlreadyPaidOrder(t *testing.T) {
	order := testOrder(1)
	order.PaymentStatus = models.PaymentPaid
	store := newFakePaymentStore(order)
	orch := NewOrchestrator(store, NewRegistry(approvedCard("cardgate"), NewCashProvider()), notify.NopSink{})

	_, err := orch.Charge(context.Background(), chargeReq(1))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Empty(t, store.payments)
}

func TestCharge_UnknownOrder(t *testing.T) {
	store := newFakePaymentStore()
	orch := NewOrchestrator(store, NewRegistry(approvedCard("cardgate"), NewCashProvider()), notify.NopSink{})

	_, err := orch.Charge(context.Background(), chargeReq(404))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestCharge_Cash(t *testing.T) {
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(approvedCard("cardgate"), NewCashProvider()), notify.NopSink{})

	req := chargeReq(1)
	req.Method = models.MethodCash
	req.CardNumber = ""

	payment, err := orch.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.PaymentPaid, payment.Status)
	assert.Equal(t, ProviderCash, payment.Provider)
	assert.True(t, strings.HasPrefix(payment.TransactionID, "CASH-"))
}

func TestCharge_TerminalRouting(t *testing.T) {
	clover := approvedCard("clover")
	store := newFakePaymentStore(testOrder(1))
	registry := NewRegistry(approvedCard("cardgate"), NewCashProvider())
	registry.RegisterTerminal("CLV", clover)
	orch := NewOrchestrator(store, registry, notify.NopSink{})

	req := chargeReq(1)
	req.Method = models.MethodTerminal
	req.TerminalID = "CLV-042"
	req.CardNumber = ""

	_, err := orch.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, clover.chargeReqs, 1)
}

func TestCharge_UnroutedTerminalRecordsFailure(t *testing.T) {
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(approvedCard("cardgate"), NewCashProvider()), notify.NopSink{})

	req := chargeReq(1)
	req.Method = models.MethodTerminal
	req.TerminalID = "XYZ-1"

	_, err := orch.Charge(context.Background(), req)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	require.Len(t, store.payments, 1)
	for _, p := range store.payments {
		assert.Equal(t, models.PaymentFailed, p.Status)
		assert.Equal(t, "unknown", p.Provider)
	}
}

func chargedPayment(t *testing.T, store *fakePaymentStore, orch *Orchestrator) *models.Payment {
	t.Helper()
	payment, err := orch.Charge(context.Background(), chargeReq(1))
	require.NoError(t, err)
	return payment
}

func TestRefund_Aggregation(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	// 10.00 of 25.00
	refund, err := orch.Refund(context.Background(), payment.ID, money.FromInt(10), "cold food", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RefundCompleted, refund.Status)
	assert.Equal(t, models.PaymentPartiallyRefunded, store.payments[payment.ID].Status)

	// 15.00 more covers the full charge
	_, err = orch.Refund(context.Background(), payment.ID, money.FromInt(15), "order cancelled", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, store.payments[payment.ID].Status)

	assert.Len(t, card.refundReqs, 2)
}

func TestRefund_ExceedsCharged(t *testing.T) {
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(approvedCard("cardgate"), NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	_, err := orch.Refund(context.Background(), payment.ID, money.FromInt(30), "", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestRefund_RequiresPaidPayment(t *testing.T) {
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(approvedCard("cardgate"), NewCashProvider()), notify.NopSink{})

	failed := &models.Payment{
		ID:      uuid.New(),
		OrderID: 1,
		Status:  models.PaymentFailed,
		Amount:  money.FromInt(25),
	}
	store.payments[failed.ID] = failed

	_, err := orch.Refund(context.Background(), failed.ID, money.FromInt(5), "", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestRefund_CumulativeOverRefundRejected(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	// 15.00 of 25.00
	_, err := orch.Refund(context.Background(), payment.ID, money.FromInt(15), "cold food", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartiallyRefunded, store.payments[payment.ID].Status)

	// Another 15.00 would pay out 30.00 against a 25.00 charge
	_, err = orch.Refund(context.Background(), payment.ID, money.FromInt(15), "cold food", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	// The provider only ever saw the first refund
	assert.Len(t, card.refundReqs, 1)
	assert.Equal(t, models.PaymentPartiallyRefunded, store.payments[payment.ID].Status)

	// The remaining 10.00 still goes through
	_, err = orch.Refund(context.Background(), payment.ID, money.FromInt(10), "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, store.payments[payment.ID].Status)
}

func TestRefund_ProviderFailureRecordsFailedAttempt(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	card.refundErr = apperr.New(apperr.KindProviderUnavailable, "gateway down")

	_, err := orch.Refund(context.Background(), payment.ID, money.FromInt(10), "", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindProviderUnavailable))

	// The attempt leaves a failed row and the payment drops back to PAID
	require.Len(t, store.refunds, 1)
	assert.Equal(t, models.RefundFailed, store.refunds[0].Status)
	assert.Equal(t, models.PaymentPaid, store.payments[payment.ID].Status)

	// The released claim lets a retry through
	card.refundErr = nil
	_, err = orch.Refund(context.Background(), payment.ID, money.FromInt(10), "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartiallyRefunded, store.payments[payment.ID].Status)
}

func TestRefund_RejectedAfterVoid(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	require.NoError(t, orch.Void(context.Background(), payment.ID))

	_, err := orch.Refund(context.Background(), payment.ID, money.FromInt(10), "", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	// The claim failed before any money moved at the provider
	assert.Empty(t, card.refundReqs)
	assert.Empty(t, store.refunds)
}

func TestVoid(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	require.NoError(t, orch.Void(context.Background(), payment.ID))

	assert.Equal(t, models.PaymentVoided, store.payments[payment.ID].Status)
	assert.Equal(t, []string{"TX-1"}, card.voidedTxs)
}

func TestVoid_RequiresPaidPayment(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	require.NoError(t, orch.Void(context.Background(), payment.ID))

	// Voiding twice fails, the payment stays VOIDED
	err := orch.Void(context.Background(), payment.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Equal(t, models.PaymentVoided, store.payments[payment.ID].Status)
}

func TestVoid_RejectedWhileRefundInFlight(t *testing.T) {
	card := approvedCard("cardgate")
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	store.payments[payment.ID].Status = models.PaymentRefundPending

	err := orch.Void(context.Background(), payment.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Empty(t, card.voidedTxs)
}

func TestVoid_SkipsProviderWithoutSupport(t *testing.T) {
	card := approvedCard("cardgate")
	card.voidable = false
	store := newFakePaymentStore(testOrder(1))
	orch := NewOrchestrator(store, NewRegistry(card, NewCashProvider()), notify.NopSink{})
	payment := chargedPayment(t, store, orch)

	require.NoError(t, orch.Void(context.Background(), payment.ID))

	assert.Empty(t, card.voidedTxs)
	assert.Equal(t, models.PaymentVoided, store.payments[payment.ID].Status)
}
