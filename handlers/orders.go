package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/cache"
	"github.com/Tinglum/tinglumgard-sub003/engine"
	"github.com/Tinglum/tinglumgard-sub003/middleware"
	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/store"
)

type OrderReadStore interface {
	GetByID(ctx context.Context, id int) (*models.Order, error)
	ListByCustomer(ctx context.Context, customerID int) ([]models.Order, error)
	ListAtRisk(ctx context.Context) ([]models.Order, error)
}

// Reconciler is the read-triggered completion check: every order read with a
// pending payment gets one bounded reconciliation pass before the response.
type Reconciler interface {
	Reconcile(ctx context.Context, order *models.Order) bool
}

type OrderTransitions interface {
	Cancel(ctx context.Context, order *models.Order) error
}

type OrderHandler struct {
	orders      OrderReadStore
	poller      Reconciler
	engine      OrderTransitions
	redisClient *redis.Client
	logger      *zap.Logger
}

func NewOrderHandler(orders OrderReadStore, poller Reconciler, engine OrderTransitions, redisClient *redis.Client, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orders:      orders,
		poller:      poller,
		engine:      engine,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetOrder returns one order, reconciling pending payments first.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("payment-engine").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !h.authorized(c, order) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	// Terminal orders can be served from cache; nothing about them changes
	// anymore. A paid order is not terminal, the scheduler can still lock it.
	if h.redisClient != nil && settled(order.Status) {
		if data, err := cache.GetOrder(ctx, h.redisClient, order.ID); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			c.Data(http.StatusOK, "application/json", data)
			return
		}
	}

	if h.poller.Reconcile(ctx, order) {
		if refreshed, err := h.orders.GetByID(ctx, order.ID); err == nil {
			order = refreshed
		}
	}

	if h.redisClient != nil && settled(order.Status) {
		if err := cache.SetOrder(ctx, h.redisClient, order.ID, order, 5*time.Minute); err != nil {
			h.logger.Warn("Failed to cache order", zap.Int("order_id", order.ID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, order)
}

// ListOrders returns the caller's orders, or all at-risk orders for admins
// with ?at_risk=true. Each listed order with pending payments gets the same
// reconciliation pass as a detail read.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("payment-engine").Start(c.Request.Context(), "ListOrders")
	defer span.End()

	var orders []models.Order
	var err error

	if c.Query("at_risk") == "true" {
		if !c.GetBool(middleware.ContextIsAdmin) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		orders, err = h.orders.ListAtRisk(ctx)
	} else {
		customerID := c.GetInt(middleware.ContextCustomerID)
		if customerID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		orders, err = h.orders.ListByCustomer(ctx, customerID)
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	for i := range orders {
		if h.poller.Reconcile(ctx, &orders[i]) {
			if refreshed, err := h.orders.GetByID(ctx, orders[i].ID); err == nil {
				orders[i] = *refreshed
			}
		}
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, orders)
}

// CancelOrder moves a pre-lock order to cancelled and releases its stock.
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	ctx, span := otel.Tracer("payment-engine").Start(c.Request.Context(), "CancelOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !h.authorized(c, order) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	if err := h.engine.Cancel(ctx, order); err != nil {
		if errors.Is(err, engine.ErrNotCancellable) {
			c.JSON(http.StatusConflict, gin.H{"error": "Order can no longer be cancelled"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to cancel order", zap.Int("order_id", order.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.redisClient != nil {
		if err := cache.DeleteOrder(ctx, h.redisClient, order.ID); err != nil {
			h.logger.Warn("Failed to invalidate order cache", zap.Int("order_id", order.ID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, order)
}

// authorized allows the order's owner and admins. Others get a 404 rather
// than a 403 so order ids are not probeable.
func (h *OrderHandler) authorized(c *gin.Context, order *models.Order) bool {
	if c.GetBool(middleware.ContextIsAdmin) {
		return true
	}
	return c.GetInt(middleware.ContextCustomerID) == order.CustomerID
}

// settled reports whether the order can never change again. Only terminal
// statuses qualify for caching; pre-terminal ones, paid included, can still
// be moved by the scheduler without a cache invalidation hook.
func settled(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusCompleted, models.OrderStatusCancelled:
		return true
	}
	return false
}
