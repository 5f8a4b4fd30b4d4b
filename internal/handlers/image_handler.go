package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fotopipe/internal/apperr"
	"fotopipe/internal/entity"
	"fotopipe/internal/pipeline"
	"fotopipe/internal/utils"
)

// ImageHandler serves spec.md §6.1's single-image endpoints: detail and
// manual version selection. Grounded on
// original_source/api/v1/orders/order_routes.go's get_image/select_version.
type ImageHandler struct {
	repo      *entity.Repository
	selection *pipeline.SelectionService
}

func NewImageHandler(repo *entity.Repository, selection *pipeline.SelectionService) *ImageHandler {
	return &ImageHandler{repo: repo, selection: selection}
}

// GetImage implements GET /orders/{order_id}/images/{image_id}.
func (h *ImageHandler) GetImage(c *gin.Context) {
	ctx := c.Request.Context()
	imageID, err := strconv.ParseInt(c.Param("image_id"), 10, 64)
	if err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "InvalidImageID"})
		return
	}

	detail, err := h.repo.GetImageDetail(ctx, imageID)
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}
	if detail == nil {
		utils.SendAPIError(c, &apperr.NotFound{Entity: "Image", ID: imageID})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// SelectVersion implements PUT /images/{id}/versions/{kind}/{version_id}/select.
// kind is "coloring" or "svg"; anything else is a validation error rather
// than a 404, since the path segment is a fixed enum, not a lookup key.
func (h *ImageHandler) SelectVersion(c *gin.Context) {
	ctx := c.Request.Context()

	imageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "InvalidImageID"})
		return
	}
	versionID, err := strconv.ParseInt(c.Param("version_id"), 10, 64)
	if err != nil {
		utils.SendAPIError(c, &apperr.Validation{Reason: "InvalidVersionID"})
		return
	}

	switch c.Param("kind") {
	case "coloring":
		err = h.selection.SelectColoring(ctx, imageID, versionID)
	case "svg":
		err = h.selection.SelectSvg(ctx, imageID, versionID)
	default:
		err = &apperr.Validation{Reason: "InvalidVersionKind"}
	}
	if err != nil {
		utils.SendAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"image_id": imageID, "selected_version_id": versionID})
}
