package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fotopipe/internal/apperr"
	"fotopipe/internal/pipeline"
	"fotopipe/internal/utils"
)

// GenerationHandler serves spec.md §6.1's coloring/SVG generation and retry
// endpoints. Grounded on
// original_source/api/v1/orders/order_routes.go's generate_coloring/
// generate_svg/retry_coloring_version/retry_svg_version.
type GenerationHandler struct {
	generation *pipeline.GenerationService
}

func NewGenerationHandler(generation *pipeline.GenerationService) *GenerationHandler {
	return &GenerationHandler{generation: generation}
}

// GenerateColoringForOrder implements POST /orders/{id}/generate-coloring.
func (h *GenerationHandler) GenerateColoringForOrder(c *gin.Context) {
	versionIDs, err := h.generation.GenerateColoringForOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"coloring_version_ids": versionIDs})
}

// GenerateColoringForImage implements POST /images/{id}/generate-coloring.
func (h *GenerationHandler) GenerateColoringForImage(c *gin.Context) {
	imageID, err := parseImageID(c)
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}
	versionID, err := h.generation.GenerateColoringForImage(c.Request.Context(), imageID)
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"coloring_version_id": versionID})
}

// RetryColoringVersion implements POST /coloring-versions/{id}/retry.
func (h *GenerationHandler) RetryColoringVersion(c *gin.Context) {
	versionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "InvalidVersionID"})
		return
	}
	if err := h.generation.RetryColoringVersion(c.Request.Context(), versionID); err != nil {
		utils.SendAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"coloring_version_id": versionID, "status": "queued"})
}

// GenerateSvgForOrder implements POST /orders/{id}/generate-svg.
func (h *GenerationHandler) GenerateSvgForOrder(c *gin.Context) {
	versionIDs, err := h.generation.GenerateSvgForOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"svg_version_ids": versionIDs})
}

// GenerateSvgForImage implements POST /images/{id}/generate-svg.
func (h *GenerationHandler) GenerateSvgForImage(c *gin.Context) {
	imageID, err := parseImageID(c)
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}
	versionID, err := h.generation.GenerateSvgForImage(c.Request.Context(), imageID)
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"svg_version_id": versionID})
}

// RetrySvgVersion implements POST /svg-versions/{id}/retry.
func (h *GenerationHandler) RetrySvgVersion(c *gin.Context) {
	versionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "InvalidVersionID"})
		return
	}
	if err := h.generation.RetrySvgVersion(c.Request.Context(), versionID); err != nil {
		utils.SendAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"svg_version_id": versionID, "status": "queued"})
}

func parseImageID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, &apperr.Validation{Reason: "InvalidImageID"}
	}
	return id, nil
}
