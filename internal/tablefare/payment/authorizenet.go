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

// ProviderAuthorizeNet is the card-network provider name
const ProviderAuthorizeNet = "authorizenet"

// AuthorizeNetProvider charges credit and debit cards through the
// Authorize.Net transaction API.
type AuthorizeNetProvider struct {
	apiURL         string
	loginID        string
	transactionKey string
	httpClient     *http.Client
}

// NewAuthorizeNetProvider creates a card-network adapter
func NewAuthorizeNetProvider(apiURL, loginID, transactionKey string, timeout time.Duration) *AuthorizeNetProvider {
	return &AuthorizeNetProvider{
		apiURL:         apiURL,
		loginID:        loginID,
		transactionKey: transactionKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name recorded on payments
func (p *AuthorizeNetProvider) Name() string {
	return ProviderAuthorizeNet
}

type authNetAuth struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type authNetCreditCard struct {
	CardNumber     string `json:"cardNumber"`
	ExpirationDate string `json:"expirationDate"`
	CardCode       string `json:"cardCode,omitempty"`
}

type authNetOpaqueData struct {
	DataDescriptor string `json:"dataDescriptor"`
	DataValue      string `json:"dataValue"`
}

type authNetPayment struct {
	CreditCard *authNetCreditCard `json:"creditCard,omitempty"`
	OpaqueData *authNetOpaqueData `json:"opaqueData,omitempty"`
}

type authNetOrder struct {
	InvoiceNumber string `json:"invoiceNumber"`
	Description   string `json:"description,omitempty"`
}

type authNetTransactionRequest struct {
	TransactionType string          `json:"transactionType"`
	Amount          string          `json:"amount"`
	Payment         *authNetPayment `json:"payment,omitempty"`
	Order           *authNetOrder   `json:"order,omitempty"`
	RefTransID      string          `json:"refTransId,omitempty"`
}

type authNetRequest struct {
	CreateTransactionRequest struct {
		MerchantAuthentication authNetAuth               `json:"merchantAuthentication"`
		RefID                  string                    `json:"refId,omitempty"`
		TransactionRequest     authNetTransactionRequest `json:"transactionRequest"`
	} `json:"createTransactionRequest"`
}

type authNetResponse struct {
	TransactionResponse *struct {
		ResponseCode  string `json:"responseCode"`
		AuthCode      string `json:"authCode"`
		TransID       string `json:"transId"`
		AccountNumber string `json:"accountNumber"`
		AccountType   string `json:"accountType"`
		Messages      []struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"messages"`
		Errors []struct {
			ErrorCode string `json:"errorCode"`
			ErrorText string `json:"errorText"`
		} `json:"errors"`
	} `json:"transactionResponse"`
	Messages struct {
		ResultCode string `json:"resultCode"`
		Message    []struct {
			Code string `json:"code"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"messages"`
}

// responseCodeApproved is Authorize.Net's approval code
const responseCodeApproved = "1"

// Charge runs an auth-capture transaction
func (p *AuthorizeNetProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	body := authNetRequest{}
	body.CreateTransactionRequest.MerchantAuthentication = authNetAuth{Name: p.loginID, TransactionKey: p.transactionKey}
	body.CreateTransactionRequest.RefID = req.OrderNumber
	body.CreateTransactionRequest.TransactionRequest = authNetTransactionRequest{
		TransactionType: "authCaptureTransaction",
		Amount:          req.Amount.String(),
		Order:           &authNetOrder{InvoiceNumber: req.OrderNumber, Description: "Restaurant Order"},
	}

	if req.CardToken != "" {
		body.CreateTransactionRequest.TransactionRequest.Payment = &authNetPayment{
			OpaqueData: &authNetOpaqueData{
				DataDescriptor: "COMMON.ACCEPT.INAPP.PAYMENT",
				DataValue:      req.CardToken,
			},
		}
	} else {
		body.CreateTransactionRequest.TransactionRequest.Payment = &authNetPayment{
			CreditCard: &authNetCreditCard{
				CardNumber:     req.CardNumber,
				ExpirationDate: fmt.Sprintf("%s-%s", req.ExpiryYear, req.ExpiryMonth),
				CardCode:       req.CVV,
			},
		}
	}

	raw, resp, err := p.post(ctx, body, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	tr := resp.TransactionResponse
	if tr == nil {
		return nil, apperr.New(apperr.KindProviderUnavailable, "no transaction response from Authorize.Net")
	}

	if tr.ResponseCode != responseCodeApproved {
		reason := "Transaction declined"
		if len(tr.Errors) > 0 {
			reason = tr.Errors[0].ErrorText
		} else if len(tr.Messages) > 0 {
			reason = tr.Messages[0].Description
		}
		return nil, apperr.Newf(apperr.KindPaymentDeclined, "Authorize.Net transaction declined: %s", reason)
	}

	cardLast4 := last4(tr.AccountNumber)
	if cardLast4 == "" {
		cardLast4 = last4(req.CardNumber)
	}

	return &Result{
		Provider:      ProviderAuthorizeNet,
		Status:        models.PaymentPaid,
		TransactionID: tr.TransID,
		AuthCode:      tr.AuthCode,
		CardLast4:     cardLast4,
		CardBrand:     DetectCardBrand(req.CardNumber),
		CardToken:     req.CardToken,
		Metadata:      raw,
	}, nil
}

// Refund issues a linked refund against a settled transaction
func (p *AuthorizeNetProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	body := authNetRequest{}
	body.CreateTransactionRequest.MerchantAuthentication = authNetAuth{Name: p.loginID, TransactionKey: p.transactionKey}
	body.CreateTransactionRequest.TransactionRequest = authNetTransactionRequest{
		TransactionType: "refundTransaction",
		Amount:          req.Amount.String(),
		Payment: &authNetPayment{
			CreditCard: &authNetCreditCard{CardNumber: req.CardLast4, ExpirationDate: "XXXX"},
		},
		RefTransID: req.TransactionID,
	}

	_, resp, err := p.post(ctx, body, "")
	if err != nil {
		return "", err
	}

	tr := resp.TransactionResponse
	if tr == nil || tr.ResponseCode != responseCodeApproved {
		return "", apperr.New(apperr.KindPaymentDeclined, "Authorize.Net refund declined")
	}
	return tr.TransID, nil
}

// SupportsVoid reports that pre-settlement voids are available
func (p *AuthorizeNetProvider) SupportsVoid() bool {
	return true
}

// Void cancels a transaction before settlement
func (p *AuthorizeNetProvider) Void(ctx context.Context, transactionID string) error {
	body := authNetRequest{}
	body.CreateTransactionRequest.MerchantAuthentication = authNetAuth{Name: p.loginID, TransactionKey: p.transactionKey}
	body.CreateTransactionRequest.TransactionRequest = authNetTransactionRequest{
		TransactionType: "voidTransaction",
		RefTransID:      transactionID,
	}

	_, resp, err := p.post(ctx, body, "")
	if err != nil {
		return err
	}

	tr := resp.TransactionResponse
	if tr == nil || tr.ResponseCode != responseCodeApproved {
		return apperr.New(apperr.KindPaymentDeclined, "Authorize.Net void declined")
	}
	return nil
}

// post sends one API request and decodes the envelope. Transport failures
// and 5xx responses surface as ProviderUnavailable.
func (p *AuthorizeNetProvider) post(ctx context.Context, body authNetRequest, idempotencyKey string) (json.RawMessage, *authNetResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "Authorize.Net request failed")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "reading Authorize.Net response failed")
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, nil, apperr.Newf(apperr.KindProviderUnavailable, "Authorize.Net returned status %d", httpResp.StatusCode)
	}

	var resp authNetResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindProviderUnavailable, err, "malformed Authorize.Net response")
	}
	return raw, &resp, nil
}
