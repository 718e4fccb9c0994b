package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/pricing"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

// SessionRequest captures what the gateway needs to open a checkout session.
type SessionRequest struct {
	OrderID     string
	Amount      pricing.Money
	Currency    string
	Method      order.PaymentMethod
	PaymentType string
	ReturnURL   string
	CallbackURL string
}

// SessionResponse is the gateway's answer: where to send the customer and the
// reference later webhooks will carry.
type SessionResponse struct {
	Ref         string
	CheckoutURL string
	Amount      pricing.Money
}

// Gateway opens checkout sessions with the external payment provider.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (SessionResponse, error)
}

// HTTPGateway talks to the provider's REST API through the resilient client.
type HTTPGateway struct {
	BaseURL   string
	SecretKey string
	Client    resilience.HTTPClient
}

type gatewaySessionBody struct {
	OrderID     string `json:"orderId"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Method      string `json:"method"`
	PaymentType string `json:"paymentType,omitempty"`
	ReturnURL   string `json:"returnUrl,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type gatewaySessionReply struct {
	Ref         string `json:"ref"`
	CheckoutURL string `json:"checkoutUrl"`
	Amount      int64  `json:"amount"`
}

// CreateSession POSTs to {BaseURL}/v1/checkout-sessions. Every failure is
// reported as ErrGatewayUnavailable.
func (g HTTPGateway) CreateSession(ctx context.Context, req SessionRequest) (SessionResponse, error) {
	base := strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
	if base == "" {
		return SessionResponse{}, fmt.Errorf("%w: base url not configured", ErrGatewayUnavailable)
	}
	body, err := json.Marshal(gatewaySessionBody{
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      string(req.Method),
		PaymentType: req.PaymentType,
		ReturnURL:   req.ReturnURL,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return SessionResponse{}, fmt.Errorf("%w: encode request: %v", ErrGatewayUnavailable, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/checkout-sessions", bytes.NewReader(body))
	if err != nil {
		return SessionResponse{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())
	if key := strings.TrimSpace(g.SecretKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := g.Client.Do(ctx, httpReq)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return SessionResponse{}, fmt.Errorf("%w: provider responded %s", ErrGatewayUnavailable, resp.Status)
	}
	var reply gatewaySessionReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return SessionResponse{}, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	out := SessionResponse{Ref: strings.TrimSpace(reply.Ref), CheckoutURL: strings.TrimSpace(reply.CheckoutURL), Amount: reply.Amount}
	if err := checkResponse(req, out); err != nil {
		return SessionResponse{}, err
	}
	return out, nil
}

// SandboxGateway issues deterministic sessions without network access.
type SandboxGateway struct {
	BaseURL string
}

// CreateSession implements Gateway.
func (g SandboxGateway) CreateSession(ctx context.Context, req SessionRequest) (SessionResponse, error) {
	if err := ctx.Err(); err != nil {
		return SessionResponse{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return SessionResponse{}, fmt.Errorf("%w: order id is required", ErrGatewayUnavailable)
	}
	host := strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
	if host == "" {
		host = "https://sandbox.pay.local"
	}
	ref := "PS-" + uuid.NewString()
	return SessionResponse{
		Ref:         ref,
		CheckoutURL: fmt.Sprintf("%s/checkout/%s?method=%s", host, ref, req.Method),
		Amount:      req.Amount,
	}, nil
}

func checkResponse(req SessionRequest, resp SessionResponse) error {
	switch {
	case resp.Ref == "":
		return fmt.Errorf("%w: response missing ref", ErrGatewayUnavailable)
	case resp.CheckoutURL == "":
		return fmt.Errorf("%w: response missing checkout url", ErrGatewayUnavailable)
	case resp.Amount != req.Amount:
		return fmt.Errorf("%w: amount %d does not match requested %d", ErrGatewayUnavailable, resp.Amount, req.Amount)
	}
	return nil
}

func gatewayName(g Gateway) string {
	switch g.(type) {
	case HTTPGateway, *HTTPGateway:
		return "http"
	case SandboxGateway, *SandboxGateway:
		return "sandbox"
	default:
		return "custom"
	}
}

func isGatewayError(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
