package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/inventory"
	"github.com/Tinglum/tinglumgard-sub003/middleware"
	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/provider"
	"github.com/Tinglum/tinglumgard-sub003/store"
)

type WebhookPaymentStore interface {
	GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	MarkWebhookProcessed(ctx context.Context, id int, at time.Time) error
	UpdateStatus(ctx context.Context, id int, status models.PaymentStatus) error
}

type WebhookOrderStore interface {
	GetByID(ctx context.Context, id int) (*models.Order, error)
}

type WebhookTransitions interface {
	CompleteDeposit(ctx context.Context, order *models.Order, payment *models.Payment) error
	CompleteRemainder(ctx context.Context, order *models.Order, payment *models.Payment) error
}

type WebhookProviderClient interface {
	GetSession(ctx context.Context, sessionID string) (*provider.Session, error)
}

type WebhookHandler struct {
	payments WebhookPaymentStore
	orders   WebhookOrderStore
	engine   WebhookTransitions
	client   WebhookProviderClient
	secret   string
	logger   *zap.Logger
}

func NewWebhookHandler(
	payments WebhookPaymentStore,
	orders WebhookOrderStore,
	engine WebhookTransitions,
	client WebhookProviderClient,
	secret string,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		payments: payments,
		orders:   orders,
		engine:   engine,
		client:   client,
		secret:   secret,
		logger:   logger,
	}
}

// webhookRequest covers both notification protocols: the current one carries
// the checkout session id, the legacy one the merchant payment reference.
type webhookRequest struct {
	SessionID    string `json:"sessionId"`
	Reference    string `json:"reference"`
	SessionState string `json:"sessionState"`
}

// Handle processes one provider notification. The claimed state in the body
// is never trusted; the session is re-fetched from the provider and only a
// fetched success advances the order. Non-2xx responses make the provider
// retry on its own schedule, so any failure before the transition completes
// must not mark the payment processed.
func (h *WebhookHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("payment-engine").Start(c.Request.Context(), "PaymentWebhook")
	defer span.End()

	if c.GetHeader("Authorization") != "Bearer "+h.secret {
		middleware.RecordWebhook("unauthorized")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RecordWebhook("malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" && req.Reference == "" {
		middleware.RecordWebhook("malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session id or reference"})
		return
	}

	span.SetAttributes(
		attribute.String("webhook.session_id", req.SessionID),
		attribute.String("webhook.reference", req.Reference),
		attribute.String("webhook.claimed_state", req.SessionState),
	)

	payment, err := h.lookupPayment(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			middleware.RecordWebhook("unknown")
			c.JSON(http.StatusNotFound, gin.H{"error": "No matching payment"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to look up payment for webhook", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if payment.WebhookProcessedAt != nil {
		// Duplicate delivery; the transition already ran.
		middleware.RecordWebhook("replay")
		c.JSON(http.StatusOK, gin.H{"status": "already processed"})
		return
	}

	session, err := h.client.GetSession(ctx, payment.ProviderSessionID)
	if err != nil {
		span.RecordError(err)
		middleware.RecordWebhook("provider_error")
		h.logger.Error("Provider lookup failed, leaving webhook for retry",
			zap.Int("payment_id", payment.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Provider unavailable"})
		return
	}

	span.SetAttributes(attribute.String("webhook.fetched_state", string(session.State)))

	if !session.State.Successful() {
		// Record what the provider says for observability; the order does not
		// move on anything short of a fetched success.
		if status, terminal := paymentStatusFor(session.State); terminal {
			if err := h.payments.UpdateStatus(ctx, payment.ID, status); err != nil {
				h.logger.Error("Failed to record payment status",
					zap.Int("payment_id", payment.ID), zap.Error(err))
			}
		}
		middleware.RecordWebhook("no_completion")
		c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "state": string(session.State)})
		return
	}

	order, err := h.orders.GetByID(ctx, payment.OrderID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load order for webhook",
			zap.Int("order_id", payment.OrderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.applyCompletion(ctx, order, payment); err != nil {
		span.RecordError(err)
		if errors.Is(err, inventory.ErrInsufficientInventory) {
			middleware.RecordInventoryRejection(string(order.ProductLine))
		}
		middleware.RecordWebhook("transition_error")
		h.logger.Error("Failed to apply completion transition",
			zap.Int("order_id", order.ID),
			zap.Int("payment_id", payment.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.payments.MarkWebhookProcessed(ctx, payment.ID, time.Now().UTC()); err != nil {
		// The transition itself is idempotent, so a retried delivery after
		// this failure converges to "already completed" and lands here again.
		span.RecordError(err)
		h.logger.Error("Failed to mark webhook processed",
			zap.Int("payment_id", payment.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	middleware.RecordWebhook("processed")
	h.logger.Info("Webhook processed",
		zap.Int("order_id", order.ID),
		zap.Int("payment_id", payment.ID),
		zap.String("installment", string(payment.Type)))
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (h *WebhookHandler) lookupPayment(ctx context.Context, req webhookRequest) (*models.Payment, error) {
	if req.SessionID != "" {
		return h.payments.GetBySessionID(ctx, req.SessionID)
	}
	return h.payments.GetByIdempotencyKey(ctx, req.Reference)
}

func (h *WebhookHandler) applyCompletion(ctx context.Context, order *models.Order, payment *models.Payment) error {
	if payment.Type == models.PaymentTypeDeposit {
		return h.engine.CompleteDeposit(ctx, order, payment)
	}
	return h.engine.CompleteRemainder(ctx, order, payment)
}

func paymentStatusFor(state provider.SessionState) (models.PaymentStatus, bool) {
	switch state {
	case provider.StateFailed, provider.StateExpired:
		return models.PaymentStatusFailed, true
	case provider.StateCancelled, provider.StateTerminated:
		return models.PaymentStatusCancelled, true
	}
	return "", false
}
