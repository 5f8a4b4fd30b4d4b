package upstream

import "time"

// OrderPayload is the subset of an upstream order webhook/API payload the
// ingest service reads. Field names mirror the upstream wire format (GID-style
// numeric id, "name" as the display order number) rather than our domain
// model's names — translation happens in internal/pipeline/ingest.go.
type OrderPayload struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Email          *string        `json:"email"`
	Customer       *CustomerRef   `json:"customer"`
	FinancialState *string        `json:"financial_status"`
	ShippingLines  []ShippingLine `json:"shipping_lines"`
	LineItems      []LineItemRef  `json:"line_items"`
}

type CustomerRef struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// OrderSummary is the subset of fields list_recent_orders returns for each
// edge — enough for FetchFromShopify to decide imported/updated/skipped
// without a second round-trip per order.
type OrderSummary struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Email          *string        `json:"email"`
	Customer       *CustomerRef   `json:"customer"`
	FinancialState *string        `json:"financial_status"`
	ShippingLines  []ShippingLine `json:"shipping_lines"`
	CreatedAt      time.Time      `json:"created_at"`
}

type ShippingLine struct {
	Title string `json:"title"`
}

type LineItemRef struct {
	ID         int64            `json:"id"`
	Title      string           `json:"title"`
	Quantity   int              `json:"quantity"`
	Properties []LineItemProp   `json:"properties"`
	ImageURLs  []string         `json:"_resolved_image_urls,omitempty"`
}

type LineItemProp struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SyncResult is the tri-state outcome of syncing one order, the Go rendition
// of sync_orders_batch's import/update/skip counters.
type SyncResult struct {
	Created bool
	Updated bool
	Skipped bool
}

// BatchSyncResult tallies a FetchFromShopify run, the Go rendition of
// BatchSyncResult from sync_orders_batch.
type BatchSyncResult struct {
	Imported int
	Updated  int
	Skipped  int
	Total    int
}
