package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
)

// ProviderClover is the Clover terminal provider name
const ProviderClover = "clover"

// CloverProvider charges physical Clover terminals
type CloverProvider struct {
	apiURL      string
	accessToken string
	httpClient  *http.Client
}

// NewCloverProvider creates a Clover terminal adapter
func NewCloverProvider(apiURL, accessToken string, timeout time.Duration) *CloverProvider {
	return &CloverProvider{
		apiURL:      apiURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name recorded on payments
func (p *CloverProvider) Name() string {
	return ProviderClover
}

type cloverChargeRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Source   string `json:"source"`
	OrderID  string `json:"orderId"`
}

type cloverChargeResponse struct {
	ID              string `json:"id"`
	AuthCode        string `json:"authCode"`
	CardTransaction *struct {
		Last4    string `json:"last4"`
		CardType string `json:"cardType"`
	} `json:"cardTransaction"`
	Source *struct {
		ID string `json:"id"`
	} `json:"source"`
}

// Charge sends the payment to the terminal. Amounts go over the wire in
// minor units.
func (p *CloverProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	body := cloverChargeRequest{
		Amount:   req.Amount.Cents(),
		Currency: "usd",
		Source:   req.TerminalID,
		OrderID:  req.OrderNumber,
	}

	raw, err := p.post(ctx, p.apiURL+"/v1/payments", body, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var resp cloverChargeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "malformed Clover response")
	}

	result := &Result{
		Provider:      ProviderClover,
		Status:        models.PaymentPaid,
		TransactionID: resp.ID,
		AuthCode:      resp.AuthCode,
		Metadata:      raw,
	}
	if resp.CardTransaction != nil {
		result.CardLast4 = resp.CardTransaction.Last4
		result.CardBrand = resp.CardTransaction.CardType
	}
	if resp.Source != nil {
		result.CardToken = resp.Source.ID
	}
	return result, nil
}

// Refund issues a refund against an earlier charge
func (p *CloverProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	body := struct {
		Charge string `json:"charge"`
		Amount int64  `json:"amount"`
	}{
		Charge: req.TransactionID,
		Amount: req.Amount.Cents(),
	}

	raw, err := p.post(ctx, p.apiURL+"/v1/refunds", body, "")
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", apperr.Wrap(apperr.KindProviderUnavailable, err, "malformed Clover refund response")
	}
	return resp.ID, nil
}

// SupportsVoid reports that Clover exposes no void operation here
func (p *CloverProvider) SupportsVoid() bool {
	return false
}

// Void is unsupported for Clover terminals
func (p *CloverProvider) Void(ctx context.Context, transactionID string) error {
	return apperr.New(apperr.KindInvalidState, "void not supported for clover payments")
}

func (p *CloverProvider) post(ctx context.Context, url string, body interface{}, idempotencyKey string) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "Clover request failed")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "reading Clover response failed")
	}

	return raw, cloverStatusError(httpResp.StatusCode, raw)
}

// cloverStatusError maps a non-2xx response: client errors are declines with
// the gateway's reason, server errors mean the provider is unavailable.
func cloverStatusError(status int, raw []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return apperr.Newf(apperr.KindPaymentDeclined, "Clover declined the payment: %s", gatewayMessage(raw))
	default:
		return apperr.Newf(apperr.KindProviderUnavailable, "Clover returned status %d", status)
	}
}

// gatewayMessage pulls a human-readable reason out of an error payload
func gatewayMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error.Message != "" {
			return body.Error.Message
		}
	}
	return fmt.Sprintf("%d bytes of unparseable error payload", len(raw))
}
