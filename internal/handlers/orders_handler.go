package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/chatbot"
	"github.com/imrishuroy/orderpipeline/internal/ingest"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/validation"
)

// HandlerConfig groups dependencies for the HTTP API.
type HandlerConfig struct {
	Ingest  *ingest.Service
	Chatbot *chatbot.Service
	Logger  *zap.Logger
}

type ordersHandler struct {
	svc    *ingest.Service
	chat   *chatbot.Service
	v      *validatorv10.Validate
	logger *zap.Logger
}

type chatRequest struct {
	Query      string `json:"query" binding:"required"`
	CustomerID string `json:"customerId"`
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterOrdersRoutes(r, cfg)
	return r
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &ordersHandler{
		svc:    cfg.Ingest,
		chat:   cfg.Chatbot,
		v:      validation.New(),
		logger: cfg.Logger,
	}
	r.POST("/orders", h.createOrder)
	r.GET("/orders/:orderId", h.getOrder)
	r.GET("/customers/:customerId/orders", h.listCustomerOrders)
	if h.chat != nil {
		r.POST("/chatbot", h.chatbot)
	}
}

func (h *ordersHandler) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	correlationID := c.GetHeader("X-Request-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	meta := ingest.RequestMeta{
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		CorrelationID:  correlationID,
	}

	sub, err := h.svc.SubmitOrder(ctx, req, meta)
	switch {
	case errors.Is(err, validation.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": validation.Fields(err)})
		return
	case err != nil:
		h.logger.Error("order submission failed", zap.String("correlation_id", correlationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission_failed"})
		return
	}

	c.Header("Location", fmt.Sprintf("/orders/%s", sub.OrderID))
	switch {
	case sub.InProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "orderId": sub.OrderID})
	case sub.Replayed:
		c.JSON(http.StatusOK, sub)
	default:
		c.JSON(http.StatusCreated, sub)
	}
}

func (h *ordersHandler) getOrder(c *gin.Context) {
	v, err := h.svc.QueryOrder(c.Request.Context(), c.Param("orderId"))
	switch {
	case errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
	case err != nil:
		h.logger.Error("order query failed", zap.String("order_id", c.Param("orderId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
	default:
		c.JSON(http.StatusOK, v)
	}
}

func (h *ordersHandler) listCustomerOrders(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "5"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	views, err := h.svc.ListCustomerOrders(c.Request.Context(), c.Param("customerId"), limit)
	if err != nil {
		h.logger.Error("customer query failed", zap.String("customer_id", c.Param("customerId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": views, "count": len(views)})
}

func (h *ordersHandler) chatbot(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query field is required"})
		return
	}
	ans, err := h.chat.Answer(c.Request.Context(), req.Query, req.CustomerID)
	switch {
	case errors.Is(err, chatbot.ErrEmptyQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query field is required"})
	case err != nil:
		h.logger.Error("chatbot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sorry, I encountered an error processing your request. Please try again later."})
	default:
		c.JSON(http.StatusOK, ans)
	}
}
