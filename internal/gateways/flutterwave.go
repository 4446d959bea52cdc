package gateways

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// FlutterwaveConfig configures the Flutterwave gateway.
type FlutterwaveConfig struct {
	SecretKey string
	// SecretHash is the webhook signing secret set on the dashboard.
	SecretHash string
	BaseURL    string
	Transport
}

// FlutterwaveGateway implements Gateway and Transferer against Flutterwave v3.
// Amounts travel in major units.
type FlutterwaveGateway struct {
	secret     string
	secretHash string
	baseURL    string
	client     *httpClient
}

var (
	_ Gateway    = (*FlutterwaveGateway)(nil)
	_ Transferer = (*FlutterwaveGateway)(nil)
)

// NewFlutterwave creates a Flutterwave gateway.
func NewFlutterwave(cfg FlutterwaveConfig) *FlutterwaveGateway {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.flutterwave.com/v3"
	}
	return &FlutterwaveGateway{
		secret:     cfg.SecretKey,
		secretHash: cfg.SecretHash,
		baseURL:    base,
		client:     newHTTPClient(Flutterwave, cfg.Transport),
	}
}

func (f *FlutterwaveGateway) Name() Name              { return Flutterwave }
func (f *FlutterwaveGateway) SignatureHeader() string { return "verif-hash" }

func (f *FlutterwaveGateway) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + f.secret}
}

type flutterwaveEnvelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// InitializePayment calls POST /payments (hosted checkout).
func (f *FlutterwaveGateway) InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error) {
	body := map[string]any{
		"tx_ref":          req.Reference,
		"amount":          req.Amount.StringFixed(2),
		"currency":        req.Currency,
		"redirect_url":    req.CallbackURL,
		"payment_options": "card,banktransfer,ussd",
		"customer":        map[string]string{"email": req.Email, "name": req.CustomerID},
		"customizations":  map[string]string{"title": "Escrow Payment", "description": req.Description},
		"meta":            map[string]string{"escrowId": req.EscrowID},
	}
	var resp flutterwaveEnvelope[struct {
		Link string `json:"link"`
	}]
	if err := f.client.do(ctx, "initialize", http.MethodPost, f.baseURL+"/payments", f.auth(), body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("%w: flutterwave: %s", ErrRejected, resp.Message)
	}
	return &InitResult{AuthorizationURL: resp.Data.Link}, nil
}

type flutterwaveTransaction struct {
	ID                int64           `json:"id"`
	TxRef             string          `json:"tx_ref"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ProcessorResponse string          `json:"processor_response"`
}

// VerifyPayment calls GET /transactions/verify_by_reference.
func (f *FlutterwaveGateway) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	var resp flutterwaveEnvelope[json.RawMessage]
	u := f.baseURL + "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(req.Reference)
	if err := f.client.do(ctx, "verify", http.MethodGet, u, f.auth(), nil, &resp); err != nil {
		return nil, err
	}
	var tx flutterwaveTransaction
	if err := json.Unmarshal(resp.Data, &tx); err != nil {
		return nil, fmt.Errorf("flutterwave: decode transaction: %w", err)
	}

	status := PaymentPending
	switch strings.ToLower(tx.Status) {
	case "successful":
		status = PaymentSuccess
	case "failed", "cancelled":
		status = PaymentFailed
	}
	return &VerifyResult{
		Status:           status,
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		GatewayReference: fmt.Sprint(tx.ID),
		Message:          tx.ProcessorResponse,
		Raw:              resp.Data,
	}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 hex digest keyed by the secret hash.
func (f *FlutterwaveGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return verifyHex(sha256.New, f.secretHash, body, strings.ToLower(signature))
}

// ParseNotification reads a Flutterwave event. charge.completed with a
// successful status reports a payment.
func (f *FlutterwaveGateway) ParseNotification(body []byte) (*Notification, error) {
	var evt struct {
		Event string `json:"event"`
		Data  struct {
			ID     int64  `json:"id"`
			TxRef  string `json:"tx_ref"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &evt); err != nil || evt.Event == "" {
		return nil, fmt.Errorf("flutterwave: %w", ErrMalformedNotification)
	}
	return &Notification{
		EventID:   fmt.Sprintf("%s:%d", evt.Event, evt.Data.ID),
		EventType: evt.Event,
		Reference: evt.Data.TxRef,
		Success:   evt.Event == "charge.completed" && strings.EqualFold(evt.Data.Status, "successful"),
	}, nil
}

type flutterwaveTransfer struct {
	ID          int64  `json:"id"`
	Status      string `json:"status"`
	Reference   string `json:"reference"`
	CompleteMsg string `json:"complete_message"`
}

func (t flutterwaveTransfer) result() *TransferResult {
	status := TransferPending
	switch strings.ToUpper(t.Status) {
	case "SUCCESSFUL":
		status = TransferSuccess
	case "FAILED":
		status = TransferFailed
	}
	return &TransferResult{Status: status, GatewayReference: fmt.Sprint(t.ID), Message: t.CompleteMsg}
}

// Transfer pays a seller through /transfers or refunds a buyer through
// /transactions/:id/refund.
func (f *FlutterwaveGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Kind == TransferRefund {
		return f.refund(ctx, req)
	}
	if req.Recipient == nil {
		return nil, fmt.Errorf("%w: flutterwave transfer requires a recipient", ErrRejected)
	}
	ref := safeReference(req.Reference)

	var existing flutterwaveEnvelope[[]flutterwaveTransfer]
	lookup := f.baseURL + "/transfers?reference=" + url.QueryEscape(ref)
	if err := f.client.do(ctx, "transfer_lookup", http.MethodGet, lookup, f.auth(), nil, &existing); err != nil && !IsNotFound(err) {
		return nil, err
	}
	for _, t := range existing.Data {
		if t.Reference == ref {
			return t.result(), nil
		}
	}

	body := map[string]any{
		"account_bank":   req.Recipient.BankCode,
		"account_number": req.Recipient.AccountNumber,
		"amount":         req.Amount.StringFixed(2),
		"currency":       req.Currency,
		"debit_currency": req.Currency,
		"narration":      req.Reason,
		"reference":      ref,
	}
	var resp flutterwaveEnvelope[flutterwaveTransfer]
	if err := f.client.do(ctx, "transfer", http.MethodPost, f.baseURL+"/transfers", f.auth(), body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return &TransferResult{Status: TransferFailed, Message: resp.Message}, nil
	}
	return resp.Data.result(), nil
}

func (f *FlutterwaveGateway) refund(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.GatewayPaymentReference == "" {
		return nil, fmt.Errorf("%w: flutterwave refund requires the transaction id", ErrRejected)
	}
	var resp flutterwaveEnvelope[struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}]
	u := f.baseURL + "/transactions/" + url.PathEscape(req.GatewayPaymentReference) + "/refund"
	err := f.client.do(ctx, "refund", http.MethodPost, u, f.auth(), map[string]any{"amount": req.Amount.StringFixed(2)}, &resp)
	if err != nil {
		// A repeated refund of the same transaction is refused; the first one stands.
		var se *StatusError
		if asStatus(err, &se) && strings.Contains(strings.ToLower(se.Body), "already") {
			return &TransferResult{Status: TransferSuccess, Message: "already refunded"}, nil
		}
		return nil, err
	}
	status := TransferPending
	switch strings.ToLower(resp.Data.Status) {
	case "completed", "completed-mpgs", "successful":
		status = TransferSuccess
	case "failed":
		status = TransferFailed
	}
	return &TransferResult{Status: status, GatewayReference: fmt.Sprint(resp.Data.ID)}, nil
}
