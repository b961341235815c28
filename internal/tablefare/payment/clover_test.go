package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
)

func terminalCharge() ChargeRequest {
	return ChargeRequest{
		OrderID:     1,
		OrderNumber: "ORD-1-1",
		Amount:      money.MustFromString("19.99"),
		Method:      models.MethodTerminal,
		TerminalID:  "CLV-042",
	}
}

func TestCloverCharge_SendsMinorUnits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(1999), body["amount"])
		assert.Equal(t, "CLV-042", body["source"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       "CLVPAY1",
			"authCode": "A99",
			"cardTransaction": map[string]string{
				"last4":    "4242",
				"cardType": "VISA",
			},
		})
	}))
	defer srv.Close()

	p := NewCloverProvider(srv.URL, "token", 5*time.Second)
	result, err := p.Charge(context.Background(), terminalCharge())
	require.NoError(t, err)

	assert.Equal(t, models.PaymentPaid, result.Status)
	assert.Equal(t, "CLVPAY1", result.TransactionID)
	assert.Equal(t, "4242", result.CardLast4)
}

func TestCloverCharge_DeclineCarriesGatewayReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"message": "card_declined"})
	}))
	defer srv.Close()

	p := NewCloverProvider(srv.URL, "token", 5*time.Second)
	_, err := p.Charge(context.Background(), terminalCharge())

	assert.True(t, apperr.IsKind(err, apperr.KindPaymentDeclined))
	assert.Contains(t, err.Error(), "card_declined")
}

func TestCloverCharge_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewCloverProvider(srv.URL, "token", 5*time.Second)
	_, err := p.Charge(context.Background(), terminalCharge())

	assert.True(t, apperr.IsKind(err, apperr.KindProviderUnavailable))
}

func TestCloverRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CLVPAY1", body["charge"])
		assert.Equal(t, float64(500), body["amount"])

		json.NewEncoder(w).Encode(map[string]string{"id": "CLVREF1"})
	}))
	defer srv.Close()

	p := NewCloverProvider(srv.URL, "token", 5*time.Second)
	txID, err := p.Refund(context.Background(), RefundRequest{TransactionID: "CLVPAY1", Amount: money.FromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, "CLVREF1", txID)
}

func TestCloverVoidUnsupported(t *testing.T) {
	p := NewCloverProvider("http://unused", "token", time.Second)

	assert.False(t, p.SupportsVoid())
	assert.Error(t, p.Void(context.Background(), "tx"))
}
