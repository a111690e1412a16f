// Package client is an HTTP client for the inventory ledger service.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
)

// APIError is the error body returned by the service.
type APIError struct {
	HTTPStatus int           `json:"-"`
	Status     ledger.Status `json:"status"`
	Field      string        `json:"field,omitempty"`
	Message    string        `json:"error"`
	Retryable  bool          `json:"retryable"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d %s: %s: %s", e.HTTPStatus, e.Status, e.Field, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.HTTPStatus, e.Status, e.Message)
}

// LowStockReport is the body of the low-stock endpoint.
type LowStockReport struct {
	Alerts      []ledger.LowStockAlert `json:"alerts"`
	TotalAlerts int                    `json:"total_alerts"`
}

// Client calls the ledger HTTP API.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New returns a Client for the service at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: r, baseURL: baseURL}
}

func (c *Client) request(ctx context.Context, idempotencyKey string) *resty.Request {
	req := c.http.R().SetContext(ctx).SetError(&APIError{})
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}
	return req
}

func (c *Client) post(ctx context.Context, path, key string, body any) (*ledger.Result, error) {
	var res ledger.Result
	resp, err := c.request(ctx, key).SetBody(body).SetResult(&res).Post(path)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &res, nil
}

func apiError(resp *resty.Response) error {
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr.Status == "" {
		apiErr = &APIError{Status: ledger.StatusInternalFault, Message: http.StatusText(resp.StatusCode())}
	}
	apiErr.HTTPStatus = resp.StatusCode()
	return apiErr
}

func companyPath(companyID uuid.UUID, suffix string) string {
	return "/api/companies/" + companyID.String() + suffix
}

func (c *Client) CreateProduct(ctx context.Context, companyID uuid.UUID, req ledger.CreateProductRequest) (*ledger.Result, error) {
	return c.post(ctx, companyPath(companyID, "/products"), req.IdempotencyKey, req)
}

func (c *Client) InitializeStock(ctx context.Context, companyID uuid.UUID, req ledger.InitializeStockRequest) (*ledger.Result, error) {
	return c.post(ctx, companyPath(companyID, "/inventory/initialize"), req.IdempotencyKey, req)
}

func (c *Client) AdjustInventory(ctx context.Context, companyID uuid.UUID, req ledger.AdjustInventoryRequest) (*ledger.Result, error) {
	return c.post(ctx, companyPath(companyID, "/inventory/adjust"), req.IdempotencyKey, req)
}

func (c *Client) TransferStock(ctx context.Context, companyID uuid.UUID, req ledger.TransferStockRequest) (*ledger.Result, error) {
	return c.post(ctx, companyPath(companyID, "/inventory/transfer"), req.IdempotencyKey, req)
}

func (c *Client) LowStockAlerts(ctx context.Context, companyID uuid.UUID) (*LowStockReport, error) {
	var report LowStockReport
	resp, err := c.request(ctx, "").SetResult(&report).Get(companyPath(companyID, "/alerts/low-stock"))
	if err != nil {
		return nil, fmt.Errorf("low-stock alerts: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &report, nil
}

// History reads one page of audit rows with a sequence above afterSequence.
func (c *Client) History(ctx context.Context, inventoryID uuid.UUID, afterSequence int64, limit int) ([]ledger.InventoryHistory, error) {
	var page struct {
		History []ledger.InventoryHistory `json:"history"`
	}
	req := c.request(ctx, "").SetResult(&page)
	if afterSequence > 0 {
		req.SetQueryParam("after_sequence", strconv.FormatInt(afterSequence, 10))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/api/inventory/" + inventoryID.String() + "/history")
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return page.History, nil
}

// SagaAdjustment is the branch payload of an adjustment saga.
type SagaAdjustment struct {
	CompanyID string `json:"company_id"`
	ledger.AdjustInventoryRequest
}

// SubmitAdjustmentSaga registers a dtm saga whose branches adjust stock through
// the service's saga endpoints. Each branch is compensated by the service if a
// later branch fails. It returns the saga gid.
func (c *Client) SubmitAdjustmentSaga(ctx context.Context, dtmServer string, companyID uuid.UUID, adjustments ...ledger.AdjustInventoryRequest) (string, error) {
	if len(adjustments) == 0 {
		return "", fmt.Errorf("saga needs at least one adjustment")
	}
	gid := dtmcli.MustGenGid(dtmServer)

	ctx, span := otel.Tracer("inventory-ledger/client").Start(ctx, "dtm.saga.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.Int("dtm.branches", len(adjustments)),
	)

	saga := dtmcli.NewSaga(dtmServer, gid)
	for _, adj := range adjustments {
		adj.IdempotencyKey = ""
		saga.Add(
			c.baseURL+"/api/saga/inventory/adjust",
			c.baseURL+"/api/saga/inventory/adjust/compensate",
			&SagaAdjustment{CompanyID: companyID.String(), AdjustInventoryRequest: adj},
		)
	}
	saga.WaitResult = true
	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)
	saga.BranchHeaders = headers

	if err := saga.Submit(); err != nil {
		span.RecordError(err)
		return gid, fmt.Errorf("submit saga %s: %w", gid, err)
	}
	return gid, nil
}
