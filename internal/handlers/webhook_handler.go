package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"fotopipe/internal/apperr"
	"fotopipe/internal/pipeline"
	"fotopipe/internal/upstream"
	"fotopipe/internal/utils"
)

var webhookValidate = validator.New()

// WebhookHandler serves spec.md §6.1's POST /webhooks/shopify: verify the
// HMAC over the raw body, then upsert the order idempotently and enqueue
// Ingest. Grounded on original_source/api/v1/webhooks.py's
// verify_shopify_hmac/save_or_get_order.
type WebhookHandler struct {
	fetch  *pipeline.FetchService
	secret string
}

func NewWebhookHandler(fetch *pipeline.FetchService, secret string) *WebhookHandler {
	return &WebhookHandler{fetch: fetch, secret: secret}
}

// shopifyOrderWebhook mirrors the fields orders/create and orders/updated
// webhooks carry, the same shape as upstream.OrderSummary but decoded
// straight from the raw body rather than the list endpoint's envelope.
type shopifyOrderWebhook struct {
	ID             int64                   `json:"id" validate:"required"`
	Name           string                  `json:"name"`
	Email          *string                 `json:"email"`
	Customer       *upstream.CustomerRef   `json:"customer"`
	FinancialState *string                 `json:"financial_status"`
	ShippingLines  []upstream.ShippingLine `json:"shipping_lines"`
	CreatedAt      time.Time               `json:"created_at"`
}

func (h *WebhookHandler) ShopifyWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "UnreadableBody"})
		return
	}

	signature := c.GetHeader("X-Shopify-Hmac-Sha256")
	if !upstream.VerifyWebhookHMAC(body, signature, h.secret) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, utils.ErrorResponse{Detail: "invalid webhook signature"})
		return
	}

	var payload shopifyOrderWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "InvalidWebhookPayload"})
		return
	}
	if err := webhookValidate.Struct(payload); err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "InvalidWebhookPayload"})
		return
	}

	summary := upstream.OrderSummary{
		ID:             payload.ID,
		Name:           payload.Name,
		Email:          payload.Email,
		Customer:       payload.Customer,
		FinancialState: payload.FinancialState,
		ShippingLines:  payload.ShippingLines,
		CreatedAt:      payload.CreatedAt,
	}

	orderID, action, err := h.fetch.SyncSingleOrder(c.Request.Context(), summary)
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "action": action})
}
