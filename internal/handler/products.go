package handler

import (
	"context"
	"net/http"

	"byorlhub-license-api/internal/catalog"
	"byorlhub-license-api/internal/model"
	"byorlhub-license-api/internal/store"
	"byorlhub-license-api/pkg/response"
)

// ProductsHandler serves the public product catalog.
type ProductsHandler struct {
	catalog *catalog.Catalog
	store   store.Client
}

// NewProductsHandler creates a new products handler.
func NewProductsHandler(cat *catalog.Catalog, storeClient store.Client) *ProductsHandler {
	return &ProductsHandler{catalog: cat, store: storeClient}
}

// ProductView is one catalog entry with its live stock count.
type ProductView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Price        int64  `json:"price"`
	DurationDays int    `json:"durationDays"`
	PurchaseURL  string `json:"purchaseUrl"`
	Stock        *int   `json:"stock,omitempty"`
}

// List handles GET /api/v1/products.
func (h *ProductsHandler) List(w http.ResponseWriter, r *http.Request) {
	products := h.catalog.All()
	views := make([]ProductView, 0, len(products))
	for i := range products {
		p := &products[i]
		views = append(views, ProductView{
			ID:           p.ID,
			Name:         p.Name,
			Price:        p.Price,
			DurationDays: p.DurationDays,
			PurchaseURL:  p.PurchaseURL(),
			Stock:        h.stockCount(r.Context(), p),
		})
	}
	response.OK(w, views)
}

// stockCount reads the product's stock document. Failures degrade to an
// absent count rather than failing the whole listing.
func (h *ProductsHandler) stockCount(ctx context.Context, p *model.Product) *int {
	if p.StockPath == "" {
		return nil
	}
	content, _, err := h.store.Get(ctx, p.StockPath)
	if err != nil {
		return nil
	}
	n := len(store.ParseList(content))
	return &n
}
