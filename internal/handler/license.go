package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/catalog"
	"byorlhub-license-api/internal/middleware"
	"byorlhub-license-api/internal/service"
	"byorlhub-license-api/pkg/apierror"
	"byorlhub-license-api/pkg/response"
)

// LicenseHandler exposes the purchase-start and check-gamepass endpoints.
type LicenseHandler struct {
	issuer   *service.Issuer
	catalog  *catalog.Catalog
	validate *validator.Validate
	log      *logrus.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(issuer *service.Issuer, cat *catalog.Catalog, log *logrus.Logger) *LicenseHandler {
	return &LicenseHandler{
		issuer:   issuer,
		catalog:  cat,
		validate: validator.New(),
		log:      log,
	}
}

// StartPurchaseRequest is the body of POST /start-purchase.
type StartPurchaseRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=20"`
	ProductID string `json:"product_id" validate:"required"`
}

// StartPurchaseResponse is the body answered by POST /start-purchase.
type StartPurchaseResponse struct {
	StartedAt   time.Time `json:"startedAt"`
	ProductID   string    `json:"productId"`
	PurchaseURL string    `json:"purchaseUrl"`
}

// StartPurchase handles POST /api/v1/purchase/start. Authenticated only:
// guests have no durable window to open.
func (h *LicenseHandler) StartPurchase(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	if accountID == 0 {
		response.Error(w, apierror.Unauthorized("Sign in to start a purchase"))
		return
	}

	var req StartPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("Invalid JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	startedAt, err := h.issuer.StartPurchase(r.Context(), accountID, req.Username, req.ProductID)
	if err != nil {
		response.Error(w, mapServiceError(err))
		return
	}

	product := h.catalog.ByID(req.ProductID)
	response.OK(w, StartPurchaseResponse{
		StartedAt:   startedAt,
		ProductID:   product.ID,
		PurchaseURL: product.PurchaseURL(),
	})
}

// CheckGamepassRequest is the body of POST /check-gamepass. The product
// may be named either by catalog id or by gamepass id.
type CheckGamepassRequest struct {
	Username     string `json:"username" validate:"required,min=3,max=20"`
	ProductID    string `json:"product_id"`
	GamepassID   int64  `json:"gamepass_id"`
	ForceRefresh bool   `json:"force_refresh"`
}

// CheckGamepass handles POST /api/v1/purchase/check-gamepass.
func (h *LicenseHandler) CheckGamepass(w http.ResponseWriter, r *http.Request) {
	var req CheckGamepassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("Invalid JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	productID := req.ProductID
	if productID == "" {
		if req.GamepassID == 0 {
			response.Error(w, apierror.BadRequest("product_id or gamepass_id is required"))
			return
		}
		product := h.catalog.ByGamepass(req.GamepassID)
		if product == nil {
			response.Error(w, apierror.NotFound(fmt.Sprintf("No product for gamepass %d", req.GamepassID)))
			return
		}
		productID = product.ID
	}

	result, err := h.issuer.CheckAndIssue(r.Context(), service.CheckRequest{
		AccountID:    middleware.GetAccountID(r.Context()),
		Username:     req.Username,
		ProductID:    productID,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		response.Error(w, mapServiceError(err))
		return
	}

	if result.Reason == service.ReasonRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	}
	response.OK(w, result)
}

// PurchaseHistory handles GET /api/v1/purchase-history?username=...
// Authenticated only; the username must match the account link when one
// exists.
func (h *LicenseHandler) PurchaseHistory(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	if accountID == 0 {
		response.Error(w, apierror.Unauthorized("Sign in to view your purchase history"))
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		response.Error(w, apierror.BadRequest("username is required"))
		return
	}

	entries, err := h.issuer.PurchaseHistory(r.Context(), accountID, username)
	if err != nil {
		response.Error(w, mapServiceError(err))
		return
	}
	response.OK(w, entries)
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrUnknownProduct):
		return apierror.NotFound("Unknown product")
	case errors.Is(err, service.ErrAccountMismatch):
		return apierror.Forbidden("Account is linked to a different Roblox user")
	case errors.Is(err, service.ErrStoreUnavailable):
		return apierror.ServiceUnavailable("Storage backend unavailable, try again shortly")
	default:
		return apierror.InternalError("")
	}
}

func validationError(err error) *apierror.Error {
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		details := make([]apierror.FieldError, 0, len(invalid))
		for _, fe := range invalid {
			details = append(details, apierror.FieldError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on %q", fe.Tag()),
			})
		}
		return apierror.ValidationError("Request validation failed", details...)
	}
	return apierror.BadRequest(err.Error())
}
