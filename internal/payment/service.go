package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
)

// Locker serialises work per key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service coordinates payment sessions, webhook application and status reads.
type Service struct {
	Store          order.Store
	Gateway        Gateway
	Verifier       Verifier
	Locker         Locker
	LockTTL        time.Duration
	GatewayTimeout time.Duration
	ReuseWindow    time.Duration
	MaxWebhookAge  time.Duration
	Currency       string
	ReturnURL      string
	CallbackURL    string
	Events         *events.Bus
	Logger         zerolog.Logger
	Now            func() time.Time
}

// SessionInput identifies the order to pay and how.
type SessionInput struct {
	OrderID     string
	Method      order.PaymentMethod
	PaymentType string
}

// WebhookResult describes what a webhook delivery did.
type WebhookResult struct {
	Accepted bool
	Applied  bool
	Ref      string
	OrderID  string
	Status   order.SessionStatus
}

// Outcome labels the result for responses and metrics.
func (r WebhookResult) Outcome() string {
	if r.Applied {
		return "applied"
	}
	return "already_applied"
}

// StatusView is the polling answer for a payment ref.
type StatusView struct {
	Status  order.SessionStatus `json:"status"`
	OrderID string              `json:"orderId"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateSession opens (or reuses) a checkout session for an unpaid online
// order owned by userID. Gateway failures leave the order untouched and are
// reported as ErrGatewayUnavailable.
func (s *Service) CreateSession(ctx context.Context, userID string, in SessionInput) (order.Session, error) {
	if s == nil || s.Store == nil || s.Gateway == nil {
		return order.Session{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateSession")
	defer span.End()

	start := time.Now()
	gateway := gatewayName(s.Gateway)
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.gateway", gateway),
			attribute.String("payment.session.result", result),
			attribute.Float64("payment.session.duration_ms", obs.DurationMillis(time.Since(start))),
		)
		obs.CountInc(obs.PaymentSessionTotal, gateway, result)
	}()
	span.SetAttributes(attribute.String("order.id", in.OrderID))

	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		result = "rejected"
		return order.Session{}, ErrOrderNotFound
	}
	var (
		sess   order.Session
		reused bool
	)
	open := func(ctx context.Context) error {
		var err error
		sess, reused, err = s.openSession(ctx, userID, orderID, in)
		return err
	}
	var err error
	if s.Locker != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = s.gatewayTimeout() + 5*time.Second
		}
		err = s.Locker.WithLock(ctx, "lock:payment-session:"+orderID, ttl, open)
	} else {
		err = open(ctx)
	}
	switch {
	case err == nil && reused:
		result = "reused"
	case err == nil:
		result = "success"
	case isGatewayError(err):
		result = "gateway_error"
		span.RecordError(err)
		s.Logger.Error().Err(err).Str("order_id", orderID).Str("gateway", gateway).Msg("payment session creation failed")
	default:
		result = "rejected"
	}
	if err != nil {
		return order.Session{}, err
	}
	span.SetAttributes(attribute.String("payment.ref", sess.Ref))
	return sess, nil
}

func (s *Service) gatewayTimeout() time.Duration {
	if s.GatewayTimeout > 0 {
		return s.GatewayTimeout
	}
	return 10 * time.Second
}

func (s *Service) openSession(ctx context.Context, userID, orderID string, in SessionInput) (order.Session, bool, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if errors.Is(err, order.ErrNotFound) {
		return order.Session{}, false, ErrOrderNotFound
	}
	if err != nil {
		return order.Session{}, false, fmt.Errorf("load order: %w", err)
	}
	if userID != "" && o.UserID != userID {
		return order.Session{}, false, ErrOrderNotFound
	}
	if o.PaymentMethod == order.MethodCOD || in.Method == order.MethodCOD {
		return order.Session{}, false, ErrCODOrder
	}
	if o.PaymentStatus == order.PaymentPaid || o.PaymentStatus == order.PaymentRefunded {
		return order.Session{}, false, ErrAlreadyPaid
	}
	if o.Status == order.StatusCancelled {
		return order.Session{}, false, ErrOrderCancelled
	}
	method := in.Method
	if method == "" {
		method = o.PaymentMethod
	}
	if !method.Online() {
		return order.Session{}, false, ErrCODOrder
	}

	latest, err := s.Store.LatestSession(ctx, orderID)
	switch {
	case err == nil:
		if latest.Status == order.SessionPaid {
			return order.Session{}, false, ErrAlreadyPaid
		}
		if s.reusable(latest, method, in.PaymentType) {
			return latest, true, nil
		}
	case !errors.Is(err, order.ErrNotFound):
		return order.Session{}, false, fmt.Errorf("load latest session: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout())
	defer cancel()
	start := time.Now()
	resp, err := s.Gateway.CreateSession(callCtx, SessionRequest{
		OrderID:     o.ID,
		Amount:      o.Total,
		Currency:    o.Currency,
		Method:      method,
		PaymentType: in.PaymentType,
		ReturnURL:   s.ReturnURL,
		CallbackURL: s.CallbackURL,
	})
	if err == nil {
		err = checkResponse(SessionRequest{Amount: o.Total}, resp)
	}
	latency := "success"
	if err != nil {
		latency = "error"
	}
	if obs.PaymentSessionLatency != nil {
		obs.PaymentSessionLatency.WithLabelValues(gatewayName(s.Gateway), latency).Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return order.Session{}, false, err
	}

	sess, err := s.Store.CreateSession(ctx, order.Session{
		Ref:         resp.Ref,
		OrderID:     o.ID,
		Amount:      o.Total,
		CheckoutURL: resp.CheckoutURL,
		Method:      method,
		PaymentType: in.PaymentType,
		Status:      order.SessionPending,
	})
	if errors.Is(err, order.ErrNotFound) {
		return order.Session{}, false, ErrOrderNotFound
	}
	if errors.Is(err, order.ErrInvalidTransition) {
		return order.Session{}, false, ErrOrderCancelled
	}
	if err != nil {
		return order.Session{}, false, fmt.Errorf("store session: %w", err)
	}
	return sess, false, nil
}

func (s *Service) reusable(latest order.Session, method order.PaymentMethod, paymentType string) bool {
	if latest.Status != order.SessionPending || s.ReuseWindow <= 0 {
		return false
	}
	if latest.Method != method || latest.PaymentType != paymentType {
		return false
	}
	return s.now().Sub(latest.CreatedAt) < s.ReuseWindow
}

// ApplyWebhook authenticates a gateway callback and applies its terminal
// status at most once. Redeliveries and lost races report Accepted without
// writing anything.
func (s *Service) ApplyWebhook(ctx context.Context, p WebhookPayload) (res WebhookResult, err error) {
	if s == nil || s.Store == nil {
		return WebhookResult{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.ApplyWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("payment.ref", p.Ref))

	outcome := "error"
	defer func() {
		span.SetAttributes(attribute.String("payment.webhook.result", outcome))
		obs.CountInc(obs.PaymentWebhookTotal, outcome)
	}()
	reject := func(reason string, err error) (WebhookResult, error) {
		outcome = reason
		s.Logger.Warn().Str("payment_ref", p.Ref).Str("reason", reason).Err(err).Msg("payment webhook rejected")
		return WebhookResult{Ref: p.Ref}, err
	}

	if s.Verifier == nil || !s.Verifier.Verify(p) {
		return reject("invalid_signature", ErrInvalidSignature)
	}
	if s.MaxWebhookAge > 0 {
		ts, err := p.ParsedTimestamp()
		if err != nil {
			return reject("stale", ErrStaleWebhook)
		}
		age := s.now().Sub(ts)
		if age > s.MaxWebhookAge || age < -s.MaxWebhookAge {
			return reject("stale", ErrStaleWebhook)
		}
	}
	ref := strings.TrimSpace(p.Ref)
	if ref == "" {
		return reject("malformed", &InvalidPayloadError{Field: "ref", Reason: "required"})
	}
	next, err := sessionStatusFor(p.Status)
	if err != nil {
		return reject("malformed", err)
	}
	amount, hasAmount, err := p.ParsedAmount()
	if err != nil {
		return reject("malformed", err)
	}

	sess, err := s.Store.GetSession(ctx, ref)
	if errors.Is(err, order.ErrNotFound) {
		return reject("unknown_ref", ErrSessionNotFound)
	}
	if err != nil {
		return WebhookResult{}, fmt.Errorf("load session: %w", err)
	}
	obs.TagOrder(ctx, sess.OrderID)
	span.SetAttributes(attribute.String("order.id", sess.OrderID))
	res = WebhookResult{Accepted: true, Ref: sess.Ref, OrderID: sess.OrderID, Status: sess.Status}
	if sess.Status.Terminal() {
		outcome = "already_applied"
		return res, nil
	}
	if hasAmount && amount != sess.Amount {
		s.Logger.Warn().Str("payment_ref", ref).Int64("expected", sess.Amount).Int64("received", amount).Msg("payment webhook amount mismatch")
		outcome = "amount_mismatch"
		return WebhookResult{Ref: ref, OrderID: sess.OrderID, Status: sess.Status}, ErrAmountMismatch
	}

	ok, err := s.Store.CompareAndSetSessionStatus(ctx, ref, order.SessionPending, next)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("apply webhook: %w", err)
	}
	if !ok {
		if current, err := s.Store.GetSession(ctx, ref); err == nil {
			res.Status = current.Status
		}
		outcome = "already_applied"
		return res, nil
	}
	res.Applied = true
	res.Status = next
	outcome = "applied"
	s.Logger.Info().Str("payment_ref", ref).Str("order_id", sess.OrderID).Str("status", string(next)).Msg("payment webhook applied")
	s.emitApplied(ctx, sess, next)
	return res, nil
}

func (s *Service) emitApplied(ctx context.Context, sess order.Session, next order.SessionStatus) {
	if s.Events == nil {
		return
	}
	topic := events.TopicOrderPaid
	if next == order.SessionFailed {
		topic = events.TopicPaymentFailed
	}
	payload := map[string]any{
		"orderId":    sess.OrderID,
		"paymentRef": sess.Ref,
		"amount":     sess.Amount,
		"status":     string(next),
	}
	if o, err := s.Store.GetOrder(ctx, sess.OrderID); err == nil {
		payload["userId"] = o.UserID
		payload["orderStatus"] = string(o.Status)
		if o.ContactEmail != "" {
			payload["email"] = o.ContactEmail
		}
	}
	if _, err := s.Events.Emit(ctx, topic, sess.OrderID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("order_id", sess.OrderID).Str("topic", topic).Msg("emit payment event failed")
	}
}

// Status reports the session status for ref. When userID is set the owning
// order must belong to that user.
func (s *Service) Status(ctx context.Context, userID, ref string) (StatusView, error) {
	if s == nil || s.Store == nil {
		return StatusView{}, errors.New("payment service not configured")
	}
	sess, err := s.Store.GetSession(ctx, strings.TrimSpace(ref))
	if errors.Is(err, order.ErrNotFound) {
		return StatusView{}, ErrSessionNotFound
	}
	if err != nil {
		return StatusView{}, fmt.Errorf("load session: %w", err)
	}
	if userID != "" {
		o, err := s.Store.GetOrder(ctx, sess.OrderID)
		if err != nil || o.UserID != userID {
			return StatusView{}, ErrSessionNotFound
		}
	}
	return StatusView{Status: sess.Status, OrderID: sess.OrderID}, nil
}

func sessionStatusFor(status string) (order.SessionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success":
		return order.SessionPaid, nil
	case "failed":
		return order.SessionFailed, nil
	default:
		return "", &InvalidPayloadError{Field: "status", Reason: fmt.Sprintf("unsupported value %q", status)}
	}
}
