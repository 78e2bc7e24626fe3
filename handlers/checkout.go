package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/checkout"
	"github.com/Tinglum/tinglumgard-sub003/engine"
	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/provider"
)

type CheckoutHandler struct {
	broker *checkout.Broker
	logger *zap.Logger
}

func NewCheckoutHandler(broker *checkout.Broker, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{broker: broker, logger: logger}
}

type beginCheckoutRequest struct {
	ReturnURL string `json:"return_url" binding:"required"`
}

// BeginPayment opens (or reuses) a checkout session for one installment and
// returns the redirect URL. POST /orders/:id/payments/:type
func (h *CheckoutHandler) BeginPayment(c *gin.Context) {
	ctx, span := otel.Tracer("payment-engine").Start(c.Request.Context(), "BeginPayment")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	typ := models.PaymentType(c.Param("type"))
	if typ != models.PaymentTypeDeposit && typ != models.PaymentTypeRemainder {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid installment type"})
		return
	}

	var req beginCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.Int("order.id", orderID),
		attribute.String("installment", string(typ)),
	)

	redirectURL, err := h.broker.Begin(ctx, orderID, typ, req.ReturnURL)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, checkout.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		case errors.Is(err, checkout.ErrAlreadyPaid):
			c.JSON(http.StatusConflict, gin.H{"error": "Installment already paid"})
		case errors.Is(err, engine.ErrDepositRequired):
			c.JSON(http.StatusConflict, gin.H{"error": "Deposit must be paid first"})
		case errors.Is(err, checkout.ErrInvalidAmount):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Invalid installment amount"})
		case errors.Is(err, provider.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment provider unavailable, try again"})
		default:
			h.logger.Error("Failed to begin payment",
				zap.Int("order_id", orderID),
				zap.String("installment", string(typ)),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"redirect_url": redirectURL})
}
