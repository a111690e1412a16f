package ledger

import (
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxPriceScale  = 4
	maxPriceDigits = 15
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Postgres rejects both in text columns.
	_ = v.RegisterValidation("text", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
	})
	_ = v.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
	})
	return v
}

// check runs the struct tags of req and reports the first failing field.
func check(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return invalid("body", "%v", err)
	}
	fe := fields[0]
	switch fe.Tag() {
	case "required":
		return invalid(fe.Field(), "is required")
	case "max":
		return invalid(fe.Field(), "must be at most %s characters", fe.Param())
	case "uuid":
		return invalid(fe.Field(), "must be a UUID")
	case "text":
		return invalid(fe.Field(), "must be valid UTF-8 without NUL bytes")
	case "nospace":
		return invalid(fe.Field(), "must not contain whitespace")
	default:
		return invalid(fe.Field(), "failed %s", fe.Tag())
	}
}

func normalizeID(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Scalar keeps a JSON number or string as its literal text so that prices and
// quantities are parsed exactly, never through float64.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var text string
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		*s = Scalar(text)
		return nil
	}
	*s = Scalar(b)
	return nil
}

// CreateProductRequest is the raw product-registration mutation.
type CreateProductRequest struct {
	Name            string `json:"name" validate:"required,text,max=255"`
	SKU             string `json:"sku" validate:"required,text,nospace,max=64"`
	Price           Scalar `json:"price" validate:"required"`
	Description     string `json:"description,omitempty" validate:"text"`
	WarehouseID     string `json:"warehouse_id,omitempty" validate:"omitempty,uuid"`
	InitialQuantity Scalar `json:"initial_quantity,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty" validate:"omitempty,text,max=128"`
}

// CreateProductCommand is a validated CreateProductRequest.
type CreateProductCommand struct {
	Name            string          `json:"name"`
	SKU             string          `json:"sku"`
	Price           decimal.Decimal `json:"price"`
	Description     string          `json:"description"`
	WarehouseID     *uuid.UUID      `json:"warehouse_id"`
	InitialQuantity int64           `json:"initial_quantity"`
	IdempotencyKey  string          `json:"-"`
}

// AdjustInventoryRequest is the raw stock-adjustment mutation.
type AdjustInventoryRequest struct {
	ProductID       string `json:"product_id" validate:"required,uuid"`
	WarehouseID     string `json:"warehouse_id" validate:"required,uuid"`
	QuantityChanged Scalar `json:"quantity_changed" validate:"required"`
	ChangeType      string `json:"change_type" validate:"required"`
	Reference       string `json:"reference,omitempty" validate:"omitempty,text,max=255"`
	IdempotencyKey  string `json:"idempotency_key,omitempty" validate:"omitempty,text,max=128"`
}

// AdjustInventoryCommand is a validated AdjustInventoryRequest.
type AdjustInventoryCommand struct {
	ProductID      uuid.UUID  `json:"product_id"`
	WarehouseID    uuid.UUID  `json:"warehouse_id"`
	Delta          int64      `json:"delta"`
	ChangeType     ChangeType `json:"change_type"`
	Reference      string     `json:"reference"`
	IdempotencyKey string     `json:"-"`
}

// InitializeStockRequest establishes stock of an existing product in a warehouse.
type InitializeStockRequest struct {
	ProductID      string `json:"product_id" validate:"required,uuid"`
	WarehouseID    string `json:"warehouse_id" validate:"required,uuid"`
	Quantity       Scalar `json:"quantity" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,text,max=128"`
}

// InitializeStockCommand is a validated InitializeStockRequest.
type InitializeStockCommand struct {
	ProductID      uuid.UUID `json:"product_id"`
	WarehouseID    uuid.UUID `json:"warehouse_id"`
	Quantity       int64     `json:"quantity"`
	IdempotencyKey string    `json:"-"`
}

// TransferStockRequest moves stock between two warehouses of one company.
type TransferStockRequest struct {
	ProductID       string `json:"product_id" validate:"required,uuid"`
	FromWarehouseID string `json:"from_warehouse_id" validate:"required,uuid"`
	ToWarehouseID   string `json:"to_warehouse_id" validate:"required,uuid"`
	Quantity        Scalar `json:"quantity" validate:"required"`
	Reference       string `json:"reference,omitempty" validate:"omitempty,text,max=255"`
	IdempotencyKey  string `json:"idempotency_key,omitempty" validate:"omitempty,text,max=128"`
}

// TransferStockCommand is a validated TransferStockRequest.
type TransferStockCommand struct {
	ProductID       uuid.UUID `json:"product_id"`
	FromWarehouseID uuid.UUID `json:"from_warehouse_id"`
	ToWarehouseID   uuid.UUID `json:"to_warehouse_id"`
	Quantity        int64     `json:"quantity"`
	Reference       string    `json:"reference"`
	IdempotencyKey  string    `json:"-"`
}

// ValidateCreateProduct normalizes req. It performs no storage access.
func ValidateCreateProduct(req CreateProductRequest) (CreateProductCommand, error) {
	var cmd CreateProductCommand
	var err error

	req.Name = strings.TrimSpace(req.Name)
	req.SKU = strings.TrimSpace(req.SKU)
	req.Price = Scalar(strings.TrimSpace(string(req.Price)))
	req.Description = strings.TrimSpace(req.Description)
	req.WarehouseID = normalizeID(req.WarehouseID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := check(req); err != nil {
		return cmd, err
	}

	cmd.Name, cmd.SKU, cmd.Description, cmd.IdempotencyKey = req.Name, req.SKU, req.Description, req.IdempotencyKey
	if cmd.Price, err = parsePrice(string(req.Price)); err != nil {
		return cmd, err
	}

	if req.WarehouseID != "" {
		wid, err := parseID("warehouse_id", req.WarehouseID)
		if err != nil {
			return cmd, err
		}
		cmd.WarehouseID = &wid
	}

	if q := strings.TrimSpace(string(req.InitialQuantity)); q != "" {
		if cmd.InitialQuantity, err = parseQuantity("initial_quantity", q); err != nil {
			return cmd, err
		}
		if cmd.InitialQuantity < 0 {
			return cmd, invalid("initial_quantity", "must not be negative")
		}
		if cmd.WarehouseID == nil && cmd.InitialQuantity > 0 {
			return cmd, invalid("warehouse_id", "required when initial_quantity is set")
		}
	}
	return cmd, nil
}

// ValidateAdjustInventory normalizes req. Additions must be positive and sales
// negative; transfers and corrections may go either way but never be zero.
func ValidateAdjustInventory(req AdjustInventoryRequest) (AdjustInventoryCommand, error) {
	var cmd AdjustInventoryCommand
	var err error

	req.ProductID = normalizeID(req.ProductID)
	req.WarehouseID = normalizeID(req.WarehouseID)
	req.QuantityChanged = Scalar(strings.TrimSpace(string(req.QuantityChanged)))
	req.ChangeType = strings.ToLower(strings.TrimSpace(req.ChangeType))
	req.Reference = strings.TrimSpace(req.Reference)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := check(req); err != nil {
		return cmd, err
	}

	if cmd.ProductID, err = parseID("product_id", req.ProductID); err != nil {
		return cmd, err
	}
	if cmd.WarehouseID, err = parseID("warehouse_id", req.WarehouseID); err != nil {
		return cmd, err
	}
	if cmd.Delta, err = parseQuantity("quantity_changed", string(req.QuantityChanged)); err != nil {
		return cmd, err
	}
	if cmd.Delta == 0 {
		return cmd, invalid("quantity_changed", "must not be zero")
	}

	cmd.ChangeType = ChangeType(req.ChangeType)
	switch cmd.ChangeType {
	case ChangeAddition:
		if cmd.Delta < 0 {
			return cmd, invalid("quantity_changed", "must be positive for an addition")
		}
	case ChangeSale:
		if cmd.Delta > 0 {
			return cmd, invalid("quantity_changed", "must be negative for a sale")
		}
	case ChangeTransfer, ChangeAdjustment:
	case ChangeInitialStock:
		return cmd, invalid("change_type", "initial_stock is only recorded when stock is established")
	default:
		return cmd, invalid("change_type", "unknown change type %q", req.ChangeType)
	}

	cmd.Reference, cmd.IdempotencyKey = req.Reference, req.IdempotencyKey
	return cmd, nil
}

// ValidateInitializeStock normalizes req.
func ValidateInitializeStock(req InitializeStockRequest) (InitializeStockCommand, error) {
	var cmd InitializeStockCommand
	var err error

	req.ProductID = normalizeID(req.ProductID)
	req.WarehouseID = normalizeID(req.WarehouseID)
	req.Quantity = Scalar(strings.TrimSpace(string(req.Quantity)))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := check(req); err != nil {
		return cmd, err
	}

	if cmd.ProductID, err = parseID("product_id", req.ProductID); err != nil {
		return cmd, err
	}
	if cmd.WarehouseID, err = parseID("warehouse_id", req.WarehouseID); err != nil {
		return cmd, err
	}
	if cmd.Quantity, err = parseQuantity("quantity", string(req.Quantity)); err != nil {
		return cmd, err
	}
	if cmd.Quantity < 0 {
		return cmd, invalid("quantity", "must not be negative")
	}
	cmd.IdempotencyKey = req.IdempotencyKey
	return cmd, nil
}

// ValidateTransfer normalizes req.
func ValidateTransfer(req TransferStockRequest) (TransferStockCommand, error) {
	var cmd TransferStockCommand
	var err error

	req.ProductID = normalizeID(req.ProductID)
	req.FromWarehouseID = normalizeID(req.FromWarehouseID)
	req.ToWarehouseID = normalizeID(req.ToWarehouseID)
	req.Quantity = Scalar(strings.TrimSpace(string(req.Quantity)))
	req.Reference = strings.TrimSpace(req.Reference)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := check(req); err != nil {
		return cmd, err
	}

	if cmd.ProductID, err = parseID("product_id", req.ProductID); err != nil {
		return cmd, err
	}
	if cmd.FromWarehouseID, err = parseID("from_warehouse_id", req.FromWarehouseID); err != nil {
		return cmd, err
	}
	if cmd.ToWarehouseID, err = parseID("to_warehouse_id", req.ToWarehouseID); err != nil {
		return cmd, err
	}
	if cmd.FromWarehouseID == cmd.ToWarehouseID {
		return cmd, invalid("to_warehouse_id", "must differ from from_warehouse_id")
	}
	if cmd.Quantity, err = parseQuantity("quantity", string(req.Quantity)); err != nil {
		return cmd, err
	}
	if cmd.Quantity <= 0 {
		return cmd, invalid("quantity", "must be positive")
	}
	cmd.Reference, cmd.IdempotencyKey = req.Reference, req.IdempotencyKey
	return cmd, nil
}

func parsePrice(v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Decimal{}, invalid("price", "is required")
	}
	price, err := decimal.NewFromString(v)
	if err != nil || strings.ContainsAny(v, "eE") {
		return decimal.Decimal{}, invalid("price", "must be a decimal number")
	}
	if price.IsNegative() {
		return decimal.Decimal{}, invalid("price", "must not be negative")
	}
	if -price.Exponent() > maxPriceScale {
		return decimal.Decimal{}, invalid("price", "must have at most %d decimal places", maxPriceScale)
	}
	if len(price.Truncate(0).String()) > maxPriceDigits {
		return decimal.Decimal{}, invalid("price", "is too large")
	}
	return price, nil
}

func parseQuantity(field, v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, invalid(field, "is required")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, invalid(field, "must be an integer")
	}
	return n, nil
}

func parseID(field, v string) (uuid.UUID, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return uuid.Nil, invalid(field, "is required")
	}
	id, err := uuid.Parse(v)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, invalid(field, "must be a UUID")
	}
	return id, nil
}
