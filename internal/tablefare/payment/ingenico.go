package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
)

// ProviderIngenico is the Ingenico terminal provider name
const ProviderIngenico = "ingenico"

// IngenicoProvider charges physical Ingenico terminals
type IngenicoProvider struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewIngenicoProvider creates an Ingenico terminal adapter
func NewIngenicoProvider(apiURL, apiKey string, timeout time.Duration) *IngenicoProvider {
	return &IngenicoProvider{
		apiURL: apiURL,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name recorded on payments
func (p *IngenicoProvider) Name() string {
	return ProviderIngenico
}

type ingenicoAmount struct {
	Amount       int64  `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type ingenicoChargeRequest struct {
	Order struct {
		AmountOfMoney ingenicoAmount `json:"amountOfMoney"`
		References    struct {
			MerchantReference string `json:"merchantReference"`
		} `json:"references"`
	} `json:"order"`
	CardPaymentMethodSpecificInput struct {
		TerminalID string `json:"terminalId"`
	} `json:"cardPaymentMethodSpecificInput"`
}

type ingenicoChargeResponse struct {
	ID            string `json:"id"`
	PaymentOutput *struct {
		CardPaymentMethodSpecificOutput *struct {
			AuthorisationCode string `json:"authorisationCode"`
			Card              *struct {
				CardNumber string `json:"cardNumber"`
				CardType   string `json:"cardType"`
			} `json:"card"`
		} `json:"cardPaymentMethodSpecificOutput"`
	} `json:"paymentOutput"`
}

// Charge sends the payment to the terminal
func (p *IngenicoProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	body := ingenicoChargeRequest{}
	body.Order.AmountOfMoney = ingenicoAmount{Amount: req.Amount.Cents(), CurrencyCode: "USD"}
	body.Order.References.MerchantReference = req.OrderNumber
	body.CardPaymentMethodSpecificInput.TerminalID = req.TerminalID

	raw, err := p.post(ctx, p.apiURL+"/v1/payments", body, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var resp ingenicoChargeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "malformed Ingenico response")
	}

	result := &Result{
		Provider:      ProviderIngenico,
		Status:        models.PaymentPaid,
		TransactionID: resp.ID,
		Metadata:      raw,
	}
	if out := resp.PaymentOutput; out != nil && out.CardPaymentMethodSpecificOutput != nil {
		result.AuthCode = out.CardPaymentMethodSpecificOutput.AuthorisationCode
		if card := out.CardPaymentMethodSpecificOutput.Card; card != nil {
			result.CardLast4 = last4(card.CardNumber)
			result.CardBrand = card.CardType
		}
	}
	return result, nil
}

// Refund issues a refund against an earlier payment
func (p *IngenicoProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	body := struct {
		AmountOfMoney ingenicoAmount `json:"amountOfMoney"`
	}{
		AmountOfMoney: ingenicoAmount{Amount: req.Amount.Cents(), CurrencyCode: "USD"},
	}

	raw, err := p.post(ctx, p.apiURL+"/v1/payments/"+req.TransactionID+"/refund", body, "")
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", apperr.Wrap(apperr.KindProviderUnavailable, err, "malformed Ingenico refund response")
	}
	return resp.ID, nil
}

// SupportsVoid reports that Ingenico exposes no void operation here
func (p *IngenicoProvider) SupportsVoid() bool {
	return false
}

// Void is unsupported for Ingenico terminals
func (p *IngenicoProvider) Void(ctx context.Context, transactionID string) error {
	return apperr.New(apperr.KindInvalidState, "void not supported for ingenico payments")
}

func (p *IngenicoProvider) post(ctx context.Context, url string, body interface{}, idempotencyKey string) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "Ingenico request failed")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "reading Ingenico response failed")
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		return raw, nil
	case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500:
		return nil, apperr.Newf(apperr.KindPaymentDeclined, "Ingenico declined the payment: %s", gatewayMessage(raw))
	default:
		return nil, apperr.Newf(apperr.KindProviderUnavailable, "Ingenico returned status %d", httpResp.StatusCode)
	}
}
