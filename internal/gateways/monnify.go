package gateways

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// MonnifyConfig configures the Monnify gateway.
type MonnifyConfig struct {
	APIKey       string
	SecretKey    string
	ContractCode string
	// SourceAccount is the wallet account number disbursements are drawn from.
	SourceAccount string
	BaseURL       string
	Transport
}

// MonnifyGateway implements Gateway and Transferer against Monnify.
// API calls use a bearer token obtained with basic auth and cached until
// shortly before it expires.
type MonnifyGateway struct {
	cfg     MonnifyConfig
	baseURL string
	client  *httpClient
	tokens  tokenCache
	group   singleflight.Group
	now     func() time.Time
}

var (
	_ Gateway    = (*MonnifyGateway)(nil)
	_ Transferer = (*MonnifyGateway)(nil)
)

// NewMonnify creates a Monnify gateway.
func NewMonnify(cfg MonnifyConfig) *MonnifyGateway {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.monnify.com"
	}
	return &MonnifyGateway{
		cfg:     cfg,
		baseURL: base,
		client:  newHTTPClient(Monnify, cfg.Transport),
		now:     time.Now,
	}
}

func (m *MonnifyGateway) Name() Name              { return Monnify }
func (m *MonnifyGateway) SignatureHeader() string { return "monnify-signature" }

// tokenCache holds the current access token. Reads check expiry explicitly;
// refreshes are collapsed by the gateway's singleflight group.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (c *tokenCache) get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !now.Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *tokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.token, c.expiresAt = token, expiresAt
	c.mu.Unlock()
}

func (c *tokenCache) invalidate() {
	c.set("", time.Time{})
}

// tokenSkew refreshes tokens this long before the provider expires them.
const tokenSkew = time.Minute

type monnifyEnvelope[T any] struct {
	RequestSuccessful bool   `json:"requestSuccessful"`
	ResponseMessage   string `json:"responseMessage"`
	ResponseCode      string `json:"responseCode"`
	ResponseBody      T      `json:"responseBody"`
}

func (m *MonnifyGateway) accessToken(ctx context.Context) (string, error) {
	if tok, ok := m.tokens.get(m.now()); ok {
		return tok, nil
	}
	v, err, _ := m.group.Do("token", func() (any, error) {
		if tok, ok := m.tokens.get(m.now()); ok {
			return tok, nil
		}
		basic := base64.StdEncoding.EncodeToString([]byte(m.cfg.APIKey + ":" + m.cfg.SecretKey))
		var resp monnifyEnvelope[struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int64  `json:"expiresIn"`
		}]
		headers := map[string]string{"Authorization": "Basic " + basic}
		if err := m.client.do(ctx, "login", http.MethodPost, m.baseURL+"/api/v1/auth/login", headers, struct{}{}, &resp); err != nil {
			return "", err
		}
		if !resp.RequestSuccessful || resp.ResponseBody.AccessToken == "" {
			return "", fmt.Errorf("%w: monnify login: %s", ErrRejected, resp.ResponseMessage)
		}
		ttl := time.Duration(resp.ResponseBody.ExpiresIn) * time.Second
		if ttl <= tokenSkew {
			ttl = 50 * time.Minute
		}
		m.tokens.set(resp.ResponseBody.AccessToken, m.now().Add(ttl-tokenSkew))
		return resp.ResponseBody.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// call performs an authenticated request, refreshing the token once on a 401.
func (m *MonnifyGateway) call(ctx context.Context, op, method, u string, body, out any) error {
	for attempt := 0; ; attempt++ {
		tok, err := m.accessToken(ctx)
		if err != nil {
			return err
		}
		err = m.client.do(ctx, op, method, u, map[string]string{"Authorization": "Bearer " + tok}, body, out)
		var se *StatusError
		if attempt == 0 && errors.As(err, &se) && se.Status == http.StatusUnauthorized {
			m.tokens.invalidate()
			continue
		}
		return err
	}
}

// InitializePayment calls init-transaction.
func (m *MonnifyGateway) InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error) {
	body := map[string]any{
		"amount":             req.Amount.StringFixed(2),
		"customerName":       req.CustomerID,
		"customerEmail":      req.Email,
		"paymentReference":   req.Reference,
		"paymentDescription": req.Description,
		"currencyCode":       req.Currency,
		"contractCode":       m.cfg.ContractCode,
		"redirectUrl":        req.CallbackURL,
		"paymentMethods":     []string{"CARD", "ACCOUNT_TRANSFER"},
		"metaData":           map[string]string{"escrowId": req.EscrowID},
	}
	var resp monnifyEnvelope[struct {
		TransactionReference string `json:"transactionReference"`
		CheckoutURL          string `json:"checkoutUrl"`
	}]
	if err := m.call(ctx, "initialize", http.MethodPost, m.baseURL+"/api/v1/merchant/transactions/init-transaction", body, &resp); err != nil {
		return nil, err
	}
	if !resp.RequestSuccessful {
		return nil, fmt.Errorf("%w: monnify: %s", ErrRejected, resp.ResponseMessage)
	}
	return &InitResult{
		AuthorizationURL: resp.ResponseBody.CheckoutURL,
		GatewayReference: resp.ResponseBody.TransactionReference,
	}, nil
}

type monnifyTransaction struct {
	TransactionReference string          `json:"transactionReference"`
	PaymentReference     string          `json:"paymentReference"`
	PaymentStatus        string          `json:"paymentStatus"`
	AmountPaid           decimal.Decimal `json:"amountPaid"`
	CurrencyCode         string          `json:"currencyCode"`
	PaymentDescription   string          `json:"paymentDescription"`
}

// VerifyPayment looks the transaction up by Monnify's transaction reference
// when known, otherwise by our payment reference.
func (m *MonnifyGateway) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	u := m.baseURL + "/api/v2/merchant/transactions/query?paymentReference=" + url.QueryEscape(req.Reference)
	if req.GatewayReference != "" {
		u = m.baseURL + "/api/v2/transactions/" + url.PathEscape(req.GatewayReference)
	}
	var resp monnifyEnvelope[json.RawMessage]
	if err := m.call(ctx, "verify", http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	var tx monnifyTransaction
	if err := json.Unmarshal(resp.ResponseBody, &tx); err != nil {
		return nil, fmt.Errorf("monnify: decode transaction: %w", err)
	}

	status := PaymentPending
	switch tx.PaymentStatus {
	case "PAID", "OVERPAID":
		status = PaymentSuccess
	case "FAILED", "EXPIRED", "CANCELLED", "REVERSED":
		status = PaymentFailed
	}
	return &VerifyResult{
		Status:           status,
		Amount:           tx.AmountPaid,
		Currency:         tx.CurrencyCode,
		GatewayReference: tx.TransactionReference,
		Message:          tx.PaymentStatus,
		Raw:              resp.ResponseBody,
	}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA512 hex digest keyed by the client secret.
func (m *MonnifyGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return verifyHex(sha512.New, m.cfg.SecretKey, body, strings.ToLower(signature))
}

// ParseNotification reads a Monnify event. SUCCESSFUL_TRANSACTION reports a payment.
func (m *MonnifyGateway) ParseNotification(body []byte) (*Notification, error) {
	var evt struct {
		EventType string `json:"eventType"`
		EventData struct {
			TransactionReference string `json:"transactionReference"`
			PaymentReference     string `json:"paymentReference"`
			PaymentStatus        string `json:"paymentStatus"`
		} `json:"eventData"`
	}
	if err := json.Unmarshal(body, &evt); err != nil || evt.EventType == "" {
		return nil, fmt.Errorf("monnify: %w", ErrMalformedNotification)
	}
	return &Notification{
		EventID:   evt.EventType + ":" + evt.EventData.TransactionReference,
		EventType: evt.EventType,
		Reference: evt.EventData.PaymentReference,
		Success:   evt.EventType == "SUCCESSFUL_TRANSACTION" && evt.EventData.PaymentStatus == "PAID",
	}, nil
}

// Transfer disburses to a seller or refunds a buyer. Both are looked up by
// reference before being created.
func (m *MonnifyGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Kind == TransferRefund {
		return m.refund(ctx, req)
	}
	if req.Recipient == nil {
		return nil, fmt.Errorf("%w: monnify disbursement requires a recipient", ErrRejected)
	}
	ref := safeReference(req.Reference)

	var existing monnifyEnvelope[monnifyDisbursement]
	lookup := m.baseURL + "/api/v2/disbursements/single/summary?reference=" + url.QueryEscape(ref)
	err := m.call(ctx, "transfer_lookup", http.MethodGet, lookup, nil, &existing)
	switch {
	case err == nil && existing.RequestSuccessful:
		return existing.ResponseBody.result(), nil
	case err != nil && !IsNotFound(err):
		return nil, err
	}

	body := map[string]any{
		"amount":                   req.Amount.StringFixed(2),
		"reference":                ref,
		"narration":                req.Reason,
		"destinationBankCode":      req.Recipient.BankCode,
		"destinationAccountNumber": req.Recipient.AccountNumber,
		"currency":                 req.Currency,
		"sourceAccountNumber":      m.cfg.SourceAccount,
	}
	var resp monnifyEnvelope[monnifyDisbursement]
	if err := m.call(ctx, "transfer", http.MethodPost, m.baseURL+"/api/v2/disbursements/single", body, &resp); err != nil {
		return nil, err
	}
	if !resp.RequestSuccessful {
		return &TransferResult{Status: TransferFailed, Message: resp.ResponseMessage}, nil
	}
	return resp.ResponseBody.result(), nil
}

type monnifyDisbursement struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"transactionDescription"`
}

func (d monnifyDisbursement) result() *TransferResult {
	status := TransferPending
	switch d.Status {
	case "SUCCESS":
		status = TransferSuccess
	case "FAILED", "REVERSED", "EXPIRED":
		status = TransferFailed
	}
	return &TransferResult{Status: status, GatewayReference: d.Reference, Message: d.Message}
}

type monnifyRefund struct {
	RefundReference string `json:"refundReference"`
	RefundStatus    string `json:"refundStatus"`
}

func (r monnifyRefund) result() *TransferResult {
	status := TransferPending
	switch r.RefundStatus {
	case "COMPLETED":
		status = TransferSuccess
	case "FAILED":
		status = TransferFailed
	}
	return &TransferResult{Status: status, GatewayReference: r.RefundReference}
}

func (m *MonnifyGateway) refund(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	ref := safeReference(req.Reference)

	var existing monnifyEnvelope[monnifyRefund]
	err := m.call(ctx, "refund_lookup", http.MethodGet, m.baseURL+"/api/v1/refunds/"+url.PathEscape(ref), nil, &existing)
	switch {
	case err == nil && existing.RequestSuccessful:
		return existing.ResponseBody.result(), nil
	case err != nil && !IsNotFound(err):
		return nil, err
	}

	body := map[string]any{
		"transactionReference": req.GatewayPaymentReference,
		"refundReference":      ref,
		"refundAmount":         req.Amount.StringFixed(2),
		"refundReason":         req.Reason,
		"customerNote":         req.Reason,
	}
	var resp monnifyEnvelope[monnifyRefund]
	if err := m.call(ctx, "refund", http.MethodPost, m.baseURL+"/api/v1/refunds/initiate-refund", body, &resp); err != nil {
		return nil, err
	}
	if !resp.RequestSuccessful {
		return &TransferResult{Status: TransferFailed, Message: resp.ResponseMessage}, nil
	}
	return resp.ResponseBody.result(), nil
}
