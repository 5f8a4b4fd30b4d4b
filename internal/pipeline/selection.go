package pipeline

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"fotopipe/internal/apperr"
	"fotopipe/internal/entity"
	"fotopipe/internal/event"
	"fotopipe/internal/session"
	"fotopipe/internal/status"
)

// SelectionService implements spec.md §4.5.5: the auto-select-on-create rule,
// the coloring-source preference order a new SvgVersion is built from, and
// manual version selection (grounded on
// original_source/services/orders/image_service.go's select_coloring_version /
// select_svg_version and coloring/vectorizer_service.go's _find_coloring_for_svg).
type SelectionService struct {
	db         *sqlx.DB
	repo       *entity.Repository
	dispatcher *event.Dispatcher
}

func NewSelectionService(db *sqlx.DB, dispatcher *event.Dispatcher) *SelectionService {
	return &SelectionService{db: db, repo: entity.NewRepository(db), dispatcher: dispatcher}
}

// AutoSelectColoring points image.selected_coloring_id at a freshly-created
// version, inside the same transaction that inserted it.
func AutoSelectColoring(ctx context.Context, tx *sqlx.Tx, imageID, versionID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE images SET selected_coloring_id = $1 WHERE id = $2`, versionID, imageID)
	return err
}

// AutoSelectSvg is AutoSelectColoring's SVG counterpart.
func AutoSelectSvg(ctx context.Context, tx *sqlx.Tx, imageID, versionID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE images SET selected_svg_id = $1 WHERE id = $2`, versionID, imageID)
	return err
}

// ChooseColoringForSvg picks the coloring version a new SvgVersion should be
// built from: the image's explicitly selected coloring if it is Completed,
// else the highest-version Completed coloring, else NoColoringAvailable.
func (s *SelectionService) ChooseColoringForSvg(ctx context.Context, imageID int64) (*entity.ColoringVersion, error) {
	img, err := s.repo.GetImageByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, &apperr.NotFound{Entity: "Image", ID: imageID}
	}

	versions, err := s.repo.ListColoringVersionsByImage(ctx, imageID)
	if err != nil {
		return nil, err
	}

	if img.SelectedColoringID != nil {
		for i := range versions {
			if versions[i].ID == *img.SelectedColoringID && versions[i].Status == string(status.ColoringCompleted) {
				return &versions[i], nil
			}
		}
	}

	var best *entity.ColoringVersion
	for i := range versions {
		if versions[i].Status != string(status.ColoringCompleted) {
			continue
		}
		if best == nil || versions[i].Version > best.Version {
			best = &versions[i]
		}
	}
	if best == nil {
		return nil, &apperr.Validation{Reason: "NoColoringAvailable"}
	}
	return best, nil
}

// SelectColoring implements the manual PUT .../select path: validates
// ownership and completion against the version row, then applies the new
// pointer with a single UPDATE. Two concurrent selections for the same image
// (spec.md's S3 scenario) both validate and both commit; Postgres's
// last-committer-wins semantics on the plain UPDATE settle the race without
// an extra advisory lock, since neither branch reads image state back before
// writing it.
func (s *SelectionService) SelectColoring(ctx context.Context, imageID, versionID int64) error {
	cv, err := s.repo.GetColoringVersionByID(ctx, versionID)
	if err != nil {
		return err
	}
	if cv == nil {
		return &apperr.NotFound{Entity: "ColoringVersion", ID: versionID}
	}
	if cv.ImageID != imageID {
		return &apperr.Validation{Reason: "VersionOwnershipError"}
	}
	if cv.Status != string(status.ColoringCompleted) {
		return &apperr.Validation{Reason: "VersionNotCompleted"}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := AutoSelectColoring(ctx, tx, imageID, versionID); err != nil {
		return fmt.Errorf("select coloring: %w", err)
	}

	orderID, err := s.repo.GetOrderIDForImage(ctx, imageID)
	if err != nil {
		return err
	}
	sess := session.New(tx, s.dispatcher)
	sess.SetMercureContext(map[string]any{"order_id": orderID, "image_id": imageID})
	if err := sess.MarkChanged(event.ImageSelectedColoringID); err != nil {
		return err
	}
	return sess.Commit(ctx)
}

// SelectSvg is SelectColoring's SVG counterpart: ownership is checked against
// the SVG version row's own image_id.
func (s *SelectionService) SelectSvg(ctx context.Context, imageID, versionID int64) error {
	sv, err := s.repo.GetSvgVersionByID(ctx, versionID)
	if err != nil {
		return err
	}
	if sv == nil {
		return &apperr.NotFound{Entity: "SvgVersion", ID: versionID}
	}
	if sv.ImageID != imageID {
		return &apperr.Validation{Reason: "VersionOwnershipError"}
	}
	if sv.Status != string(status.SvgCompleted) {
		return &apperr.Validation{Reason: "VersionNotCompleted"}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := AutoSelectSvg(ctx, tx, imageID, versionID); err != nil {
		return fmt.Errorf("select svg: %w", err)
	}

	orderID, err := s.repo.GetOrderIDForImage(ctx, imageID)
	if err != nil {
		return err
	}
	sess := session.New(tx, s.dispatcher)
	sess.SetMercureContext(map[string]any{"order_id": orderID, "image_id": imageID})
	if err := sess.MarkChanged(event.ImageSelectedSvgID); err != nil {
		return err
	}
	return sess.Commit(ctx)
}
