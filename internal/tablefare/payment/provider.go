package payment

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
)

// ChargeRequest is the provider-independent charge instruction
type ChargeRequest struct {
	OrderID     int64
	OrderNumber string
	Amount      money.Money
	Method      models.PaymentMethod

	// Card instrument: either raw PAN data or a pre-tokenized reference
	CardNumber  string
	ExpiryMonth string
	ExpiryYear  string
	CVV         string
	CardToken   string

	// Terminal instrument
	TerminalID string

	// IdempotencyKey makes a retried charge at most once at the provider
	IdempotencyKey string
}

// RefundRequest is the provider-independent refund instruction
type RefundRequest struct {
	TransactionID string
	Amount        money.Money
	CardLast4     string
}

// Result is the normalized outcome every provider adapter produces. Raw
// provider payloads live only in Metadata, kept for audit and never
// re-parsed.
type Result struct {
	Provider      string
	Status        models.PaymentStatus
	TransactionID string
	AuthCode      string
	CardLast4     string
	CardBrand     string
	CardToken     string
	Metadata      json.RawMessage
}

// Provider translates the common payment contract to one gateway's protocol
type Provider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (transactionID string, err error)
	SupportsVoid() bool
	Void(ctx context.Context, transactionID string) error
}

// terminalRoute binds a terminal identifier prefix to a provider. The table
// is built once from configuration; no provider is inferred from string shape
// at charge time beyond this explicit routing.
type terminalRoute struct {
	prefix   string
	provider Provider
}

// Registry resolves the provider for a charge and looks adapters up by name
// for refunds and voids against previously recorded payments.
type Registry struct {
	card      Provider
	cash      Provider
	terminals []terminalRoute
	byName    map[string]Provider
}

// NewRegistry creates a registry with the card-network and cash providers
func NewRegistry(card, cash Provider) *Registry {
	r := &Registry{
		card:   card,
		cash:   cash,
		byName: make(map[string]Provider),
	}
	r.byName[card.Name()] = card
	r.byName[cash.Name()] = cash
	return r
}

// RegisterTerminal routes terminal ids with the given prefix to a provider
func (r *Registry) RegisterTerminal(prefix string, p Provider) {
	r.terminals = append(r.terminals, terminalRoute{prefix: prefix, provider: p})
	r.byName[p.Name()] = p
}

// Resolve picks the provider for a payment method and instrument
func (r *Registry) Resolve(method models.PaymentMethod, terminalID string) (Provider, error) {
	switch method {
	case models.MethodCreditCard, models.MethodDebitCard:
		return r.card, nil
	case models.MethodCash:
		return r.cash, nil
	case models.MethodTerminal:
		for _, route := range r.terminals {
			if strings.HasPrefix(terminalID, route.prefix) {
				return route.provider, nil
			}
		}
		return nil, apperr.Newf(apperr.KindInvalidArgument, "no terminal provider configured for terminal %q", terminalID)
	default:
		return nil, apperr.Newf(apperr.KindInvalidArgument, "unsupported payment method: %s", method)
	}
}

// ByName returns the adapter that originally processed a payment
func (r *Registry) ByName(name string) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidState, "refunds not supported for provider: %s", name)
	}
	return p, nil
}
