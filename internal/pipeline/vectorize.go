package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"fotopipe/internal/entity"
	"fotopipe/internal/event"
	"fotopipe/internal/reclock"
	"fotopipe/internal/recovery"
	"fotopipe/internal/session"
	"fotopipe/internal/status"
	"fotopipe/internal/storage"
	"fotopipe/internal/vectorizerclient"
)

// svgStartable mirrors coloringStartable for SvgStatus.
var svgStartable = nonFinal(status.Svg)

// svgAwaitingExternal is the set the vectorizer's single awaiting-external
// status transitions from — there is no queued/processing split like
// RunPod's, so this has exactly one member, unlike its coloring counterpart.
var svgAwaitingExternal = map[string]struct{}{
	string(status.SvgVectorizerProcessing): {},
}

// VectorizeService implements spec.md §4.5.4: the same three-phase shape as
// ColoringService, sourced from the parent ColoringVersion's file_ref rather
// than the original upload.
type VectorizeService struct {
	db         *sqlx.DB
	repo       *entity.Repository
	storage    *storage.R2Client
	dispatcher *event.Dispatcher
	vectorizer *vectorizerclient.Client
	logger     *slog.Logger
}

func NewVectorizeService(db *sqlx.DB, storageClient *storage.R2Client, dispatcher *event.Dispatcher, vectorizer *vectorizerclient.Client, logger *slog.Logger) *VectorizeService {
	return &VectorizeService{
		db:         db,
		repo:       entity.NewRepository(db),
		storage:    storageClient,
		dispatcher: dispatcher,
		vectorizer: vectorizer,
		logger:     logger,
	}
}

// Process drives one SvgVersion through Pending/Queued ─► Processing ─►
// VectorizerProcessing ─► VectorizerCompleted ─► StorageUpload ─► Completed.
func (v *VectorizeService) Process(ctx context.Context, versionID int64) error {
	orderID, imageID, err := v.context(ctx, versionID)
	if err != nil {
		return fmt.Errorf("vectorize: resolve context: %w", err)
	}

	sv, ok, err := v.lockAndTransition(ctx, orderID, imageID, versionID, svgStartable, string(status.SvgProcessing), nil)
	if err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: lock1: %w", err)
	}
	if !ok {
		return nil
	}

	coloringData, err := v.fetchColoringBytes(ctx, sv.ColoringVersionID)
	if err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: fetch coloring bytes: %w", err)
	}

	if _, _, err := v.lockAndTransition(ctx, orderID, imageID, versionID,
		map[string]struct{}{string(status.SvgProcessing): {}}, string(status.SvgVectorizerProcessing), nil); err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: lock2: %w", err)
	}

	svg, err := v.vectorizer.Vectorize(ctx, coloringData, vectorizerclient.VectorizeParams{
		ShapeStacking: sv.ShapeStacking,
		GroupBy:       sv.GroupBy,
	})
	if err != nil {
		// BadRequest (400) is a terminal failure: mark Error immediately
		// rather than leaving the version in a retryable intermediate state —
		// the task runtime's own isPermanent check prevents a retry, but the
		// entity row must also reflect the terminal outcome.
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: convert: %w", err)
	}

	if _, _, err := v.lockAndTransition(ctx, orderID, imageID, versionID,
		svgAwaitingExternal, string(status.SvgVectorizerCompleted), nil); err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: lock3: %w", err)
	}

	if _, _, err := v.lockAndTransition(ctx, orderID, imageID, versionID,
		map[string]struct{}{string(status.SvgVectorizerCompleted): {}}, string(status.SvgStorageUpload), nil); err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: lock4: %w", err)
	}

	key, err := v.uploadKeyFor(ctx, imageID, versionID)
	if err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: resolve upload key: %w", err)
	}
	ref, err := v.storage.PutObjectRef(ctx, key, svg, "image/svg+xml", key)
	if err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: upload result: %w", err)
	}

	_, _, err = v.lockAndTransition(ctx, orderID, imageID, versionID,
		map[string]struct{}{string(status.SvgStorageUpload): {}}, string(status.SvgCompleted),
		func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `UPDATE svg_versions SET file_ref = $1, completed_at = now() WHERE id = $2`, ref, versionID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE images SET selected_svg_id = $1 WHERE id = $2`, versionID, imageID)
			return err
		})
	if err != nil {
		v.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("vectorize: lock5: %w", err)
	}
	return nil
}

func (v *VectorizeService) lockAndTransition(ctx context.Context, orderID string, imageID, versionID int64, expected map[string]struct{}, newStatus string, extra func(tx *sqlx.Tx) error) (*entity.SvgVersion, bool, error) {
	tx, err := v.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var sv entity.SvgVersion
	result, err := reclock.Acquire(ctx, tx, reclock.Params{
		SelectForUpdateNoWait: `SELECT * FROM svg_versions WHERE id = $1 FOR UPDATE NOWAIT`,
		EntityName:            "SvgVersion",
		RecordID:              versionID,
		CompletedStatus:       string(status.SvgCompleted),
		StartableStatuses:     expected,
		Logger:                v.logger,
	}, &sv, func(s *entity.SvgVersion) reclock.Lockable { return s })
	if err != nil {
		return nil, false, err
	}
	if !result.ShouldProcess() {
		return nil, false, nil
	}

	if extra != nil {
		if err := extra(tx); err != nil {
			return nil, false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE svg_versions SET status = $1 WHERE id = $2`, newStatus, versionID); err != nil {
		return nil, false, err
	}

	sess := session.New(tx, v.dispatcher)
	sess.SetMercureContext(map[string]any{
		"order_id": orderID, "image_id": imageID, "version_id": versionID, "status_type": "svg", "status": newStatus,
	})
	if err := sess.MarkChanged(event.SvgVersionStatus); err != nil {
		return nil, false, err
	}
	if err := sess.Commit(ctx); err != nil {
		return nil, false, err
	}
	sv.Status = newStatus
	return &sv, true, nil
}

func (v *VectorizeService) markError(ctx context.Context, orderID string, imageID, versionID int64, cause error) {
	v.logger.Error("vectorize: marking error", "version_id", versionID, "cause", cause)
	_, _, err := v.lockAndTransition(ctx, orderID, imageID, versionID, svgStartable, string(status.SvgError), nil)
	if err != nil {
		v.logger.Error("vectorize: failed to mark error, leaving for task runtime", "version_id", versionID, "error", err)
	}
}

func (v *VectorizeService) fetchColoringBytes(ctx context.Context, coloringVersionID int64) ([]byte, error) {
	cv, err := v.repo.GetColoringVersionByID(ctx, coloringVersionID)
	if err != nil {
		return nil, err
	}
	if cv == nil || cv.FileRef == nil {
		return nil, fmt.Errorf("vectorize: coloring version %d has no file_ref", coloringVersionID)
	}
	return v.storage.GetObject(ctx, cv.FileRef.Key)
}

func (v *VectorizeService) uploadKeyFor(ctx context.Context, imageID, versionID int64) (string, error) {
	img, err := v.repo.GetImageByID(ctx, imageID)
	if err != nil {
		return "", err
	}
	sv, err := v.repo.GetSvgVersionByID(ctx, versionID)
	if err != nil {
		return "", err
	}
	li, err := v.repo.GetLineItemByID(ctx, img.LineItemID)
	if err != nil {
		return "", err
	}
	return entity.SvgVersionKey(li.OrderID, *li, *img, sv.Version), nil
}

func (v *VectorizeService) context(ctx context.Context, versionID int64) (orderID string, imageID int64, err error) {
	sv, err := v.repo.GetSvgVersionByID(ctx, versionID)
	if err != nil {
		return "", 0, err
	}
	if sv == nil {
		return "", 0, fmt.Errorf("svg version %d not found", versionID)
	}
	orderID, err = v.repo.GetOrderIDForImage(ctx, sv.ImageID)
	if err != nil {
		return "", 0, err
	}
	return orderID, sv.ImageID, nil
}

// GetIncompleteVectorizations finds SvgVersions left in a Recoverable status
// by a crashed worker, the C8 recovery finder for the "vectorize" actor.
func GetIncompleteVectorizations(ctx context.Context, db *sqlx.DB) ([]recovery.Item, error) {
	var versions []entity.SvgVersion
	const q = `SELECT sv.* FROM svg_versions sv WHERE sv.status = ANY($1) AND sv.file_ref IS NULL`
	statuses := make([]string, 0)
	for _, s := range status.Svg.IntermediateValues() {
		statuses = append(statuses, s.Value)
	}
	if err := db.SelectContext(ctx, &versions, q, pq.Array(statuses)); err != nil {
		return nil, fmt.Errorf("vectorize: find incomplete: %w", err)
	}
	repo := entity.NewRepository(db)
	items := make([]recovery.Item, 0, len(versions))
	for _, s := range versions {
		orderID, err := repo.GetOrderIDForImage(ctx, s.ImageID)
		if err != nil {
			continue
		}
		items = append(items, recovery.Item{VersionID: s.ID, OrderID: orderID, ImageID: s.ImageID})
	}
	return items, nil
}

func init() {
	recovery.Register("vectorize", GetIncompleteVectorizations)
}
