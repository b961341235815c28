package payment

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
)

// ProviderCash is the synthetic cash provider name
const ProviderCash = "cash"

// CashProvider settles POS cash payments. No network call; charges and
// refunds always succeed with synthetic transaction ids.
type CashProvider struct{}

// NewCashProvider creates the cash adapter
func NewCashProvider() *CashProvider {
	return &CashProvider{}
}

// Name returns the provider name recorded on payments
func (p *CashProvider) Name() string {
	return ProviderCash
}

// Charge records an immediate synthetic success
func (p *CashProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	metadata, _ := json.Marshal(map[string]string{"paymentMethod": "cash"})
	return &Result{
		Provider:      ProviderCash,
		Status:        models.PaymentPaid,
		TransactionID: "CASH-" + uuid.NewString(),
		AuthCode:      "CASH",
		Metadata:      metadata,
	}, nil
}

// Refund records an immediate synthetic success
func (p *CashProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	return "REFUND-CASH-" + uuid.NewString(), nil
}

// SupportsVoid reports that cash payments cannot be voided
func (p *CashProvider) SupportsVoid() bool {
	return false
}

// Void is meaningless for cash; refund instead
func (p *CashProvider) Void(ctx context.Context, transactionID string) error {
	return apperr.New(apperr.KindInvalidState, "void not supported for cash payments")
}
