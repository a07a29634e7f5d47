package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chulah/checkout/internal/lookup"
	"chulah/checkout/internal/metrics"
	"chulah/checkout/internal/order"
	"chulah/checkout/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

const maxWebhookBody = 1 << 20

type OrderService interface {
	Intake(ctx context.Context, req order.IntakeRequest) (*order.IntakeResult, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*order.Order, error)
	ApplyPayment(ctx context.Context, ref order.Ref, u order.PaymentUpdate) (*order.ApplyResult, error)
}

type StatusLookup interface {
	Lookup(ctx context.Context, providerOrderID string) (lookup.Result, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, signature string, body []byte) (webhook.Result, error)
}

type Deps struct {
	Orders   OrderService
	Lookup   StatusLookup
	Webhooks WebhookHandler
	// Live serves GET /orders/{orderID}/ws; nil leaves the route unregistered.
	Live    http.HandlerFunc
	Metrics *metrics.ServerMetrics
	// Ready backs /health.
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 15 * time.Second
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Live != nil {
		r.Get("/orders/{orderID}/ws", s.deps.Live)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.deps.RequestTimeout))
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Post("/orders", s.createOrder)
		r.Get("/orders/{orderID}", s.getOrder)
		r.Get("/status", s.paymentStatus)
		r.Post("/update-order", s.updateOrder)
		r.Post("/webhook", s.webhook)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// observe records request metrics under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = r.Method + " " + rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			s.deps.Metrics.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
		}
		s.logger.Debug("http request", "route", route, "status", status,
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

type createOrderRequest struct {
	Customer      order.Customer   `json:"customer"`
	Mode          order.Mode       `json:"mode"`
	Address       string           `json:"address"`
	RequestedTime string           `json:"requested_time"`
	Items         []order.CartItem `json:"items"`
	Total         *int64           `json:"total,omitempty"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Orders.Intake(r.Context(), order.IntakeRequest{
		Customer:       req.Customer,
		Mode:           req.Mode,
		Address:        req.Address,
		RequestedTime:  req.RequestedTime,
		Items:          req.Items,
		ClientTotal:    req.Total,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		switch {
		case errors.Is(err, order.ErrValidation):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, order.ErrPaymentLink):
			s.logger.Error("create payment link", "err", err)
			writeError(w, r, http.StatusBadGateway, err.Error())
		default:
			s.logger.Error("create order", "err", err)
			writeError(w, r, http.StatusInternalServerError, "order creation failed")
		}
		return
	}

	writeJSON(w, r, http.StatusCreated, res)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, r, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, o)
}

type statusResponse struct {
	Success       bool          `json:"success"`
	Found         bool          `json:"found"`
	Status        string        `json:"status,omitempty"`
	TransactionID string        `json:"transactionId,omitempty"`
	Source        lookup.Source `json:"source,omitempty"`
}

func (s *Server) paymentStatus(w http.ResponseWriter, r *http.Request) {
	providerOrderID := strings.TrimSpace(r.URL.Query().Get("orderId"))
	if providerOrderID == "" {
		writeFailure(w, r, http.StatusBadRequest, "orderId is required")
		return
	}

	res, err := s.deps.Lookup.Lookup(r.Context(), providerOrderID)
	if err != nil {
		s.logger.Error("payment status lookup", "provider_order_id", providerOrderID, "err", err)
		writeFailure(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Metrics != nil {
		src := string(res.Source)
		if !res.Found {
			src = "none"
		}
		s.deps.Metrics.StatusLookups.WithLabelValues(src).Inc()
	}

	writeJSON(w, r, http.StatusOK, statusResponse{
		Success:       true,
		Found:         res.Found,
		Status:        res.Status,
		TransactionID: res.TransactionID,
		Source:        res.Source,
	})
}

type updateOrderRequest struct {
	ID            string `json:"id"`
	PaymentID     string `json:"paymentId"`
	OrderID       string `json:"orderId"`
	PaymentStatus string `json:"paymentStatus"`
}

// updateOrder takes the poller's report but never trusts its terminal status:
// the outcome written is whatever the provider says for the stored provider order.
func (s *Server) updateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeFailure(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" && req.OrderID == "" {
		writeFailure(w, r, http.StatusBadRequest, "id or orderId is required")
		return
	}
	status := order.PaymentStatus(strings.ToLower(strings.TrimSpace(req.PaymentStatus)))
	if !status.Valid() {
		writeFailure(w, r, http.StatusBadRequest, "paymentStatus must be one of pending, success, failed, canceled")
		return
	}

	o, err := s.resolveOrder(r.Context(), req)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeFailure(w, r, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("update order: load", "order_id", req.ID, "err", err)
		writeFailure(w, r, http.StatusInternalServerError, "order update failed")
		return
	}
	if req.OrderID != "" && req.OrderID != o.ProviderOrderID {
		writeFailure(w, r, http.StatusConflict, "orderId does not belong to this order")
		return
	}

	update := order.PaymentUpdate{PaymentStatus: order.PaymentPending, ProviderOrderID: o.ProviderOrderID}
	if status.Terminal() && !o.PaymentStatus.Terminal() {
		if o.ProviderOrderID == "" {
			writeFailure(w, r, http.StatusConflict, "order has no provider order")
			return
		}
		res, err := s.deps.Lookup.Lookup(r.Context(), o.ProviderOrderID)
		if err != nil {
			s.logger.Error("update order: provider lookup", "order_id", o.ID, "err", err)
			writeFailure(w, r, http.StatusBadGateway, "payment status lookup failed")
			return
		}
		confirmed := order.FromProviderStatus(res.Status)
		if !res.Found || !confirmed.Terminal() {
			s.logger.Warn("update order: terminal status not confirmed by provider",
				"order_id", o.ID, "requested", status, "provider_status", res.Status)
			writeFailure(w, r, http.StatusConflict, "payment not confirmed by provider")
			return
		}
		if confirmed != status {
			s.logger.Warn("update order: reported status differs from provider",
				"order_id", o.ID, "requested", status, "provider", confirmed)
		}
		update.PaymentStatus = confirmed
		update.PaymentID = res.TransactionID
	}

	res, err := s.deps.Orders.ApplyPayment(r.Context(), order.Ref{ID: o.ID}, update)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeFailure(w, r, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrValidation):
			writeFailure(w, r, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("update order", "order_id", o.ID, "err", err)
			writeFailure(w, r, http.StatusInternalServerError, "order update failed")
		}
		return
	}

	msg := "order updated"
	if !res.Applied {
		msg = "order unchanged"
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "message": msg, "data": res.Order})
}

func (s *Server) resolveOrder(ctx context.Context, req updateOrderRequest) (*order.Order, error) {
	if req.ID != "" {
		return s.deps.Orders.Get(ctx, req.ID)
	}
	return s.deps.Orders.FindByProviderOrderID(ctx, req.OrderID)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.countWebhook("malformed")
		writeFailure(w, r, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := s.deps.Webhooks.Handle(r.Context(), r.Header.Get("X-Signature"), body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			s.countWebhook("rejected")
			writeFailure(w, r, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, webhook.ErrMalformedEvent):
			// Signed but unparseable; redelivery would fail the same way.
			s.countWebhook("malformed")
			s.logger.Warn("webhook event dropped", "err", err)
			writeJSON(w, r, http.StatusOK, map[string]bool{"received": true})
		default:
			s.countWebhook("error")
			s.logger.Error("webhook processing failed", "err", err)
			writeFailure(w, r, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.countWebhook(string(res.Outcome))
	writeJSON(w, r, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) countWebhook(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// writeFailure is the {success:false} envelope used by the payment endpoints.
func writeFailure(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]any{"success": false, "message": msg})
}
