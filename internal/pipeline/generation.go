package pipeline

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"fotopipe/internal/apperr"
	"fotopipe/internal/autoincrement"
	"fotopipe/internal/entity"
	"fotopipe/internal/status"
	"fotopipe/internal/taskrunner"
)

// GenerationService implements spec.md §6.1's generate/retry endpoints:
// creating ColoringVersion/SvgVersion rows (auto-selected on create, per
// spec.md §4.5.5) and enqueuing the "coloring"/"vectorize" task per version.
// Grounded on
// original_source/services/coloring/coloring_service.py's create_version/
// create_versions_for_order/prepare_retry and
// services/coloring/vectorizer_service.go's SVG counterparts.
type GenerationService struct {
	db        *sqlx.DB
	repo      *entity.Repository
	selection *SelectionService
	runtime   *taskrunner.Runtime
}

func NewGenerationService(db *sqlx.DB, selection *SelectionService, runtime *taskrunner.Runtime) *GenerationService {
	return &GenerationService{db: db, repo: entity.NewRepository(db), selection: selection, runtime: runtime}
}

const (
	defaultMegapixels   = 1.0
	defaultSteps        = 4
	defaultShapeStacking = "stacked"
	defaultGroupBy       = "color"
)

// GenerateColoringForImage implements POST /images/{id}/generate-coloring.
func (g *GenerationService) GenerateColoringForImage(ctx context.Context, imageID int64) (int64, error) {
	img, err := g.repo.GetImageByID(ctx, imageID)
	if err != nil {
		return 0, err
	}
	if img == nil {
		return 0, &apperr.NotFound{Entity: "Image", ID: imageID}
	}
	if img.FileRef == nil {
		return 0, &apperr.Validation{Reason: "ImageNotDownloaded"}
	}

	versionID, err := g.createColoringVersion(ctx, imageID)
	if err != nil {
		return 0, err
	}
	g.enqueueColoring(ctx, versionID)
	return versionID, nil
}

// GenerateColoringForOrder implements POST /orders/{id}/generate-coloring:
// every image with a downloaded original, no completed coloring version, and
// no coloring version currently in flight.
func (g *GenerationService) GenerateColoringForOrder(ctx context.Context, orderID string) ([]int64, error) {
	order, err := g.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &apperr.NotFound{Entity: "Order", ID: orderID}
	}

	lineItems, err := g.repo.ListLineItemsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var versionIDs []int64
	for _, li := range lineItems {
		images, err := g.repo.ListImagesByLineItem(ctx, li.ID)
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			if img.FileRef == nil {
				continue
			}
			eligible, err := g.coloringEligible(ctx, img.ID)
			if err != nil {
				return nil, err
			}
			if !eligible {
				continue
			}
			versionID, err := g.createColoringVersion(ctx, img.ID)
			if err != nil {
				return nil, err
			}
			versionIDs = append(versionIDs, versionID)
		}
	}

	if len(versionIDs) == 0 {
		return nil, &apperr.Validation{Reason: "NoImagesToProcess"}
	}
	for _, versionID := range versionIDs {
		g.enqueueColoring(ctx, versionID)
	}
	return versionIDs, nil
}

// coloringEligible mirrors create_versions_for_order's per-image skip rules:
// skip if any version already Completed, skip if any version is still
// non-final (in flight).
func (g *GenerationService) coloringEligible(ctx context.Context, imageID int64) (bool, error) {
	versions, err := g.repo.ListColoringVersionsByImage(ctx, imageID)
	if err != nil {
		return false, err
	}
	for _, v := range versions {
		if v.Status == string(status.ColoringCompleted) {
			return false, nil
		}
		if s, ok := status.Coloring.Lookup(v.Status); ok && !s.Is(status.Final) {
			return false, nil
		}
	}
	return true, nil
}

func (g *GenerationService) createColoringVersion(ctx context.Context, imageID int64) (int64, error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	megapixels := defaultMegapixels
	steps := defaultSteps
	var versionID int64
	_, err = autoincrement.Retry(ctx, tx, autoincrement.Params{
		NextValueQuery: `SELECT COALESCE(MAX(version), 0) + 1 FROM coloring_versions WHERE image_id = $1`,
		QueryArgs:      []any{imageID},
		Constraint:     "uq_coloring_version_image_version",
	}, func(ctx context.Context, tx *sqlx.Tx, version int64) error {
		return tx.GetContext(ctx, &versionID, `
			INSERT INTO coloring_versions (image_id, version, status, megapixels, steps, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			RETURNING id`,
			imageID, version, string(status.ColoringQueued), megapixels, steps)
	})
	if err != nil {
		return 0, fmt.Errorf("generation: create coloring version: %w", err)
	}

	if err := AutoSelectColoring(ctx, tx, imageID, versionID); err != nil {
		return 0, fmt.Errorf("generation: auto-select coloring: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return versionID, nil
}

// RetryColoringVersion implements POST /coloring-versions/{id}/retry.
func (g *GenerationService) RetryColoringVersion(ctx context.Context, versionID int64) error {
	cv, err := g.repo.GetColoringVersionByID(ctx, versionID)
	if err != nil {
		return err
	}
	if cv == nil {
		return &apperr.NotFound{Entity: "ColoringVersion", ID: versionID}
	}
	if cv.Status != string(status.ColoringError) {
		return &apperr.Validation{Reason: "VersionNotInErrorState"}
	}

	if _, err := g.db.ExecContext(ctx, `UPDATE coloring_versions SET status = $1 WHERE id = $2`, string(status.ColoringQueued), versionID); err != nil {
		return fmt.Errorf("generation: reset coloring version: %w", err)
	}
	g.enqueueColoring(ctx, versionID)
	return nil
}

func (g *GenerationService) enqueueColoring(ctx context.Context, versionID int64) {
	id, err := g.runtime.Enqueue(ctx, nil, "coloring", map[string]any{"version_id": versionID}, false)
	if err != nil {
		return
	}
	g.runtime.Dispatch(id)
}

// GenerateSvgForImage implements POST /images/{id}/generate-svg.
func (g *GenerationService) GenerateSvgForImage(ctx context.Context, imageID int64) (int64, error) {
	cv, err := g.selection.ChooseColoringForSvg(ctx, imageID)
	if err != nil {
		return 0, err
	}

	versionID, err := g.createSvgVersion(ctx, imageID, cv.ID)
	if err != nil {
		return 0, err
	}
	g.enqueueVectorize(ctx, versionID)
	return versionID, nil
}

// GenerateSvgForOrder implements POST /orders/{id}/generate-svg.
func (g *GenerationService) GenerateSvgForOrder(ctx context.Context, orderID string) ([]int64, error) {
	order, err := g.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &apperr.NotFound{Entity: "Order", ID: orderID}
	}

	lineItems, err := g.repo.ListLineItemsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var versionIDs []int64
	for _, li := range lineItems {
		images, err := g.repo.ListImagesByLineItem(ctx, li.ID)
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			cv, err := g.selection.ChooseColoringForSvg(ctx, img.ID)
			if err != nil {
				continue // NoColoringAvailable for this image: skip, not fatal for the batch
			}
			eligible, err := g.svgEligible(ctx, img.ID)
			if err != nil {
				return nil, err
			}
			if !eligible {
				continue
			}
			versionID, err := g.createSvgVersion(ctx, img.ID, cv.ID)
			if err != nil {
				return nil, err
			}
			versionIDs = append(versionIDs, versionID)
		}
	}

	if len(versionIDs) == 0 {
		return nil, &apperr.Validation{Reason: "NoImagesToProcess"}
	}
	for _, versionID := range versionIDs {
		g.enqueueVectorize(ctx, versionID)
	}
	return versionIDs, nil
}

func (g *GenerationService) svgEligible(ctx context.Context, imageID int64) (bool, error) {
	versions, err := g.repo.ListSvgVersionsByImage(ctx, imageID)
	if err != nil {
		return false, err
	}
	for _, v := range versions {
		if v.Status == string(status.SvgCompleted) {
			return false, nil
		}
		if s, ok := status.Svg.Lookup(v.Status); ok && !s.Is(status.Final) {
			return false, nil
		}
	}
	return true, nil
}

func (g *GenerationService) createSvgVersion(ctx context.Context, imageID, coloringVersionID int64) (int64, error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var versionID int64
	_, err = autoincrement.Retry(ctx, tx, autoincrement.Params{
		NextValueQuery: `SELECT COALESCE(MAX(version), 0) + 1 FROM svg_versions WHERE image_id = $1`,
		QueryArgs:      []any{imageID},
		Constraint:     "uq_svg_version_image_version",
	}, func(ctx context.Context, tx *sqlx.Tx, version int64) error {
		return tx.GetContext(ctx, &versionID, `
			INSERT INTO svg_versions (image_id, coloring_version_id, version, status, shape_stacking, group_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			RETURNING id`,
			imageID, coloringVersionID, version, string(status.SvgQueued), defaultShapeStacking, defaultGroupBy)
	})
	if err != nil {
		return 0, fmt.Errorf("generation: create svg version: %w", err)
	}

	if err := AutoSelectSvg(ctx, tx, imageID, versionID); err != nil {
		return 0, fmt.Errorf("generation: auto-select svg: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return versionID, nil
}

// RetrySvgVersion implements POST /coloring-versions/{id}/retry's SVG sibling.
func (g *GenerationService) RetrySvgVersion(ctx context.Context, versionID int64) error {
	sv, err := g.repo.GetSvgVersionByID(ctx, versionID)
	if err != nil {
		return err
	}
	if sv == nil {
		return &apperr.NotFound{Entity: "SvgVersion", ID: versionID}
	}
	if sv.Status != string(status.SvgError) {
		return &apperr.Validation{Reason: "VersionNotInErrorState"}
	}

	if _, err := g.db.ExecContext(ctx, `UPDATE svg_versions SET status = $1 WHERE id = $2`, string(status.SvgQueued), versionID); err != nil {
		return fmt.Errorf("generation: reset svg version: %w", err)
	}
	g.enqueueVectorize(ctx, versionID)
	return nil
}

func (g *GenerationService) enqueueVectorize(ctx context.Context, versionID int64) {
	id, err := g.runtime.Enqueue(ctx, nil, "vectorize", map[string]any{"version_id": versionID}, false)
	if err != nil {
		return
	}
	g.runtime.Dispatch(id)
}
