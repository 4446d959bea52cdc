package gateways

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// PaystackConfig configures the Paystack gateway.
type PaystackConfig struct {
	SecretKey string
	BaseURL   string
	Transport
}

// PaystackGateway implements Gateway and Transferer against the Paystack API.
// Amounts travel in kobo.
type PaystackGateway struct {
	secret  string
	baseURL string
	client  *httpClient
}

var (
	_ Gateway    = (*PaystackGateway)(nil)
	_ Transferer = (*PaystackGateway)(nil)
)

// NewPaystack creates a Paystack gateway.
func NewPaystack(cfg PaystackConfig) *PaystackGateway {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.paystack.co"
	}
	return &PaystackGateway{
		secret:  cfg.SecretKey,
		baseURL: base,
		client:  newHTTPClient(Paystack, cfg.Transport),
	}
}

func (p *PaystackGateway) Name() Name              { return Paystack }
func (p *PaystackGateway) SignatureHeader() string { return "x-paystack-signature" }

func (p *PaystackGateway) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.secret}
}

type paystackEnvelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// InitializePayment calls POST /transaction/initialize.
func (p *PaystackGateway) InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error) {
	body := map[string]any{
		"email":        req.Email,
		"amount":       minorUnits(req.Amount),
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
		"metadata":     map[string]string{"escrowId": req.EscrowID, "description": req.Description},
	}
	var resp paystackEnvelope[struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}]
	if err := p.client.do(ctx, "initialize", http.MethodPost, p.baseURL+"/transaction/initialize", p.auth(), body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("%w: paystack: %s", ErrRejected, resp.Message)
	}
	return &InitResult{
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
		GatewayReference: resp.Data.Reference,
	}, nil
}

type paystackTransaction struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
}

// VerifyPayment calls GET /transaction/verify/:reference.
func (p *PaystackGateway) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	var resp paystackEnvelope[json.RawMessage]
	u := p.baseURL + "/transaction/verify/" + url.PathEscape(req.Reference)
	if err := p.client.do(ctx, "verify", http.MethodGet, u, p.auth(), nil, &resp); err != nil {
		return nil, err
	}
	var tx paystackTransaction
	if err := json.Unmarshal(resp.Data, &tx); err != nil {
		return nil, fmt.Errorf("paystack: decode transaction: %w", err)
	}

	status := PaymentPending
	switch tx.Status {
	case "success":
		status = PaymentSuccess
	case "failed", "abandoned", "reversed":
		status = PaymentFailed
	}
	return &VerifyResult{
		Status:           status,
		Amount:           fromMinorUnits(tx.Amount),
		Currency:         tx.Currency,
		GatewayReference: fmt.Sprint(tx.ID),
		Message:          tx.GatewayResponse,
		Raw:              resp.Data,
	}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA512 hex digest of the raw body.
func (p *PaystackGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return verifyHex(sha512.New, p.secret, body, strings.ToLower(signature))
}

// ParseNotification reads a Paystack event. Only charge.success reports a payment.
func (p *PaystackGateway) ParseNotification(body []byte) (*Notification, error) {
	var evt struct {
		Event string `json:"event"`
		Data  struct {
			ID        int64  `json:"id"`
			Reference string `json:"reference"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &evt); err != nil || evt.Event == "" {
		return nil, fmt.Errorf("paystack: %w", ErrMalformedNotification)
	}
	id := fmt.Sprintf("%s:%d", evt.Event, evt.Data.ID)
	if evt.Data.ID == 0 {
		id = evt.Event + ":" + evt.Data.Reference
	}
	return &Notification{
		EventID:   id,
		EventType: evt.Event,
		Reference: evt.Data.Reference,
		Success:   evt.Event == "charge.success",
	}, nil
}

// Transfer pays a seller through /transfer or refunds a buyer through /refund.
// Existing transfers and refunds are looked up first so a retried leg never
// moves money twice.
func (p *PaystackGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Kind == TransferRefund {
		return p.refund(ctx, req)
	}
	return p.transfer(ctx, req)
}

type paystackTransfer struct {
	Status       string `json:"status"`
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Reason       string `json:"reason"`
}

func (t paystackTransfer) result() *TransferResult {
	status := TransferPending
	switch t.Status {
	case "success":
		status = TransferSuccess
	case "failed", "reversed", "abandoned":
		status = TransferFailed
	}
	return &TransferResult{Status: status, GatewayReference: t.TransferCode, Message: t.Reason}
}

func (p *PaystackGateway) transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Recipient == nil {
		return nil, fmt.Errorf("%w: paystack transfer requires a recipient", ErrRejected)
	}
	ref := safeReference(req.Reference)

	var existing paystackEnvelope[paystackTransfer]
	err := p.client.do(ctx, "transfer_lookup", http.MethodGet, p.baseURL+"/transfer/verify/"+url.PathEscape(ref), p.auth(), nil, &existing)
	switch {
	case err == nil && existing.Status:
		return existing.Data.result(), nil
	case err != nil && !IsNotFound(err):
		return nil, err
	}

	code := req.Recipient.ExternalID
	if code == "" {
		var rcp paystackEnvelope[struct {
			RecipientCode string `json:"recipient_code"`
		}]
		body := map[string]any{
			"type":           "nuban",
			"name":           req.Recipient.AccountName,
			"account_number": req.Recipient.AccountNumber,
			"bank_code":      req.Recipient.BankCode,
			"currency":       req.Currency,
		}
		if err := p.client.do(ctx, "transfer_recipient", http.MethodPost, p.baseURL+"/transferrecipient", p.auth(), body, &rcp); err != nil {
			return nil, err
		}
		code = rcp.Data.RecipientCode
	}

	var resp paystackEnvelope[paystackTransfer]
	body := map[string]any{
		"source":    "balance",
		"amount":    minorUnits(req.Amount),
		"currency":  req.Currency,
		"recipient": code,
		"reference": ref,
		"reason":    req.Reason,
	}
	if err := p.client.do(ctx, "transfer", http.MethodPost, p.baseURL+"/transfer", p.auth(), body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return &TransferResult{Status: TransferFailed, Message: resp.Message}, nil
	}
	return resp.Data.result(), nil
}

type paystackRefund struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func (r paystackRefund) result() *TransferResult {
	status := TransferPending
	switch r.Status {
	case "processed":
		status = TransferSuccess
	case "failed":
		status = TransferFailed
	}
	return &TransferResult{Status: status, GatewayReference: fmt.Sprint(r.ID)}
}

func (p *PaystackGateway) refund(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var existing paystackEnvelope[[]paystackRefund]
	u := p.baseURL + "/refund?transaction=" + url.QueryEscape(req.PaymentReference)
	if err := p.client.do(ctx, "refund_lookup", http.MethodGet, u, p.auth(), nil, &existing); err != nil && !IsNotFound(err) {
		return nil, err
	}
	for _, r := range existing.Data {
		if r.Status != "failed" {
			return r.result(), nil
		}
	}

	var resp paystackEnvelope[paystackRefund]
	body := map[string]any{
		"transaction":   req.PaymentReference,
		"amount":        minorUnits(req.Amount),
		"currency":      req.Currency,
		"merchant_note": req.Reason,
	}
	if err := p.client.do(ctx, "refund", http.MethodPost, p.baseURL+"/refund", p.auth(), body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return &TransferResult{Status: TransferFailed, Message: resp.Message}, nil
	}
	return resp.Data.result(), nil
}
