// Package httpapi exposes the ledger over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
)

// IdempotencyHeader carries the client token; it wins over the body field.
const IdempotencyHeader = "Idempotency-Key"

// HealthChecker reports whether a dependency answers.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP handlers of the ledger.
type Handler struct {
	useCase *ledger.UseCase
	logger  *zap.Logger
	health  HealthChecker
}

// NewHandler returns a Handler. health may be nil.
func NewHandler(useCase *ledger.UseCase, logger *zap.Logger, health HealthChecker) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{useCase: useCase, logger: logger, health: health}
}

// NewRouter registers every route of h.
func NewRouter(h *Handler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), h.accessLog)

	r.GET("/health", h.HealthCheck)

	companies := r.Group("/api/companies/:company_id")
	companies.POST("/products", h.CreateProduct)
	companies.POST("/inventory/initialize", h.InitializeStock)
	companies.POST("/inventory/adjust", h.AdjustInventory)
	companies.POST("/inventory/transfer", h.TransferStock)
	companies.GET("/alerts/low-stock", h.LowStockAlerts)

	r.GET("/api/inventory/:inventory_id/history", h.History)

	saga := r.Group("/api/saga/inventory")
	saga.POST("/adjust", h.SagaAdjust)
	saga.POST("/adjust/compensate", h.SagaCompensate)

	return r
}

func (h *Handler) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("[HTTP] request",
		zap.String("method", c.Request.Method),
		zap.String("route", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)))
}

// HealthCheck reports 503 when the database does not answer.
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) CreateProduct(c *gin.Context) {
	companyID, ok := h.companyID(c)
	if !ok {
		return
	}
	var req ledger.CreateProductRequest
	if !h.bind(c, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	res, err := h.useCase.CreateProduct(c.Request.Context(), companyID, req)
	h.respond(c, res, err)
}

func (h *Handler) InitializeStock(c *gin.Context) {
	companyID, ok := h.companyID(c)
	if !ok {
		return
	}
	var req ledger.InitializeStockRequest
	if !h.bind(c, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	res, err := h.useCase.InitializeStock(c.Request.Context(), companyID, req)
	h.respond(c, res, err)
}

func (h *Handler) AdjustInventory(c *gin.Context) {
	companyID, ok := h.companyID(c)
	if !ok {
		return
	}
	var req ledger.AdjustInventoryRequest
	if !h.bind(c, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	res, err := h.useCase.AdjustInventory(c.Request.Context(), companyID, req)
	h.respond(c, res, err)
}

func (h *Handler) TransferStock(c *gin.Context) {
	companyID, ok := h.companyID(c)
	if !ok {
		return
	}
	var req ledger.TransferStockRequest
	if !h.bind(c, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	res, err := h.useCase.TransferStock(c.Request.Context(), companyID, req)
	h.respond(c, res, err)
}

func (h *Handler) LowStockAlerts(c *gin.Context) {
	companyID, ok := h.companyID(c)
	if !ok {
		return
	}
	alerts, err := h.useCase.LowStockAlerts(c.Request.Context(), companyID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total_alerts": len(alerts)})
}

func (h *Handler) History(c *gin.Context) {
	inventoryID, err := uuid.Parse(c.Param("inventory_id"))
	if err != nil {
		h.fail(c, &ledger.Error{Status: ledger.StatusInvalidInput, Field: "inventory_id", Message: "must be a UUID"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			h.fail(c, &ledger.Error{Status: ledger.StatusInvalidInput, Field: "limit", Message: "must be an integer"})
			return
		}
	}
	var after int64
	if v := c.Query("after_sequence"); v != "" {
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			h.fail(c, &ledger.Error{Status: ledger.StatusInvalidInput, Field: "after_sequence", Message: "must be an integer"})
			return
		}
	}

	rows, err := h.useCase.History(c.Request.Context(), inventoryID, after, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rows == nil {
		rows = []ledger.InventoryHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"inventory_id": inventoryID, "history": rows})
}

// sagaAdjustRequest is the payload of both saga branch endpoints.
type sagaAdjustRequest struct {
	CompanyID string `json:"company_id"`
	ledger.AdjustInventoryRequest
}

// SagaAdjust is the action branch of a dtm saga. The branch identity from the
// query string is the idempotency key, so dtm retries are replays.
func (h *Handler) SagaAdjust(c *gin.Context) {
	companyID, req, key, ok := h.sagaBranch(c)
	if !ok {
		return
	}
	req.IdempotencyKey = key

	_, err := h.useCase.AdjustInventory(c.Request.Context(), companyID, req)
	h.sagaRespond(c, "[SAGA ADJUST]", key, err)
}

// SagaCompensate undoes the action branch with the same gid and branch id.
func (h *Handler) SagaCompensate(c *gin.Context) {
	companyID, req, key, ok := h.sagaBranch(c)
	if !ok {
		return
	}

	_, err := h.useCase.CompensateAdjustment(c.Request.Context(), companyID, key, req)
	h.sagaRespond(c, "[SAGA COMPENSATE]", key, err)
}

func (h *Handler) sagaBranch(c *gin.Context) (uuid.UUID, ledger.AdjustInventoryRequest, string, bool) {
	bb, err := dtmcli.BarrierFromQuery(c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": ledger.StatusInvalidInput, "error": err.Error()})
		return uuid.Nil, ledger.AdjustInventoryRequest{}, "", false
	}

	var body sagaAdjustRequest
	if !h.bind(c, &body) {
		return uuid.Nil, ledger.AdjustInventoryRequest{}, "", false
	}
	companyID, err := uuid.Parse(body.CompanyID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure, "status": ledger.StatusInvalidInput, "field": "company_id"})
		return uuid.Nil, ledger.AdjustInventoryRequest{}, "", false
	}

	trace.SpanFromContext(c.Request.Context()).SetAttributes(
		attribute.String("dtm.gid", bb.Gid),
		attribute.String("dtm.branch_id", bb.BranchID),
		attribute.String("dtm.op", bb.Op),
	)
	return companyID, body.AdjustInventoryRequest, "saga:" + bb.Gid + "/" + bb.BranchID, true
}

// sagaRespond speaks the dtm branch protocol: 200 commits the branch, 409
// with FAILURE rolls the saga back, anything else is retried by dtm.
func (h *Handler) sagaRespond(c *gin.Context, tag, key string, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
		return
	}

	var le *ledger.Error
	if !errors.As(err, &le) {
		le = &ledger.Error{Status: ledger.StatusInternalFault, Message: "internal fault"}
	}
	switch le.Status {
	case ledger.StatusLockTimeout, ledger.StatusInternalFault:
		h.logger.Warn(tag+" will be retried", zap.String("key", key), zap.String("status", string(le.Status)))
		c.Header("Retry-After", "1")
		c.JSON(httpStatus(le.Status), errorBody(le))
	default:
		h.logger.Info(tag+" failed", zap.String("key", key), zap.String("status", string(le.Status)), zap.String("reason", le.Message))
		body := errorBody(le)
		body["dtm_result"] = dtmcli.ResultFailure
		c.JSON(http.StatusConflict, body)
	}
}

func (h *Handler) companyID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("company_id"))
	if err != nil || id == uuid.Nil {
		h.fail(c, &ledger.Error{Status: ledger.StatusInvalidInput, Field: "company_id", Message: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.fail(c, &ledger.Error{Status: ledger.StatusInvalidInput, Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func idempotencyKey(c *gin.Context, fromBody string) string {
	if key := c.GetHeader(IdempotencyHeader); key != "" {
		return key
	}
	return fromBody
}

func (h *Handler) respond(c *gin.Context, res *ledger.Result, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(httpStatus(res.Status), res)
}

func (h *Handler) fail(c *gin.Context, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		h.logger.Error("[HTTP] unclassified error", zap.Error(err))
		le = &ledger.Error{Status: ledger.StatusInternalFault, Message: "internal fault"}
	}
	if le.Retryable() {
		c.Header("Retry-After", "1")
	}
	c.JSON(httpStatus(le.Status), errorBody(le))
}

func errorBody(le *ledger.Error) gin.H {
	body := gin.H{
		"status":    le.Status,
		"error":     le.Message,
		"retryable": le.Retryable(),
	}
	if le.Field != "" {
		body["field"] = le.Field
	}
	return body
}

func httpStatus(s ledger.Status) int {
	switch s {
	case ledger.StatusCreated:
		return http.StatusCreated
	case ledger.StatusApplied:
		return http.StatusOK
	case ledger.StatusInvalidInput:
		return http.StatusBadRequest
	case ledger.StatusConflict, ledger.StatusAborted:
		return http.StatusConflict
	case ledger.StatusInsufficientStock:
		return http.StatusUnprocessableEntity
	case ledger.StatusLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
