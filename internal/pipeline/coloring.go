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
	"fotopipe/internal/runpodclient"
	"fotopipe/internal/session"
	"fotopipe/internal/status"
	"fotopipe/internal/storage"
)

// coloringStartable is every non-final ColoringStatus: the set Process may
// resume work from, covering both a fresh Pending/Queued start and every
// recovery resume point (runpod_submitted, runpod_queued, ...).
var coloringStartable = nonFinal(status.Coloring)

// coloringAwaitingExternal is the set of statuses the poll loop's
// status-change callback may transition from — awaiting_external_states()
// plus RunpodSubmitted, the Go rendition of spec.md §4.5.3's guard.
var coloringAwaitingExternal = map[string]struct{}{
	string(status.ColoringRunpodSubmitted):  {},
	string(status.ColoringRunpodQueued):     {},
	string(status.ColoringRunpodProcessing): {},
}

func nonFinal(reg *status.Registry) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range reg.Values() {
		if !s.Is(status.Final) {
			out[s.Value] = struct{}{}
		}
	}
	return out
}

// ColoringService implements spec.md §4.5.3's state machine.
type ColoringService struct {
	db         *sqlx.DB
	repo       *entity.Repository
	storage    *storage.R2Client
	dispatcher *event.Dispatcher
	runpod     *runpodclient.Client
	logger     *slog.Logger
}

func NewColoringService(db *sqlx.DB, storageClient *storage.R2Client, dispatcher *event.Dispatcher, runpod *runpodclient.Client, logger *slog.Logger) *ColoringService {
	return &ColoringService{
		db:         db,
		repo:       entity.NewRepository(db),
		storage:    storageClient,
		dispatcher: dispatcher,
		runpod:     runpod,
		logger:     logger,
	}
}

// Process drives one ColoringVersion through Pending/Queued ─► Processing ─►
// RunpodSubmitting ─► RunpodSubmitted ─► RunpodQueued⇄RunpodProcessing ─►
// RunpodCompleted ─► StorageUpload ─► Completed.
func (c *ColoringService) Process(ctx context.Context, versionID int64) error {
	orderID, imageID, err := c.context(ctx, versionID)
	if err != nil {
		return fmt.Errorf("coloring: resolve context: %w", err)
	}
	l := c.logger.With("version_id", versionID, "order_id", orderID, "image_id", imageID)

	// LOCK 1: acquire, handle the already-completed short-circuit, enter
	// Processing.
	cv, ok, err := c.lockAndTransition(ctx, orderID, imageID, versionID, coloringStartable, string(status.ColoringProcessing), nil)
	if err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: lock1: %w", err)
	}
	if !ok {
		return nil // skipped: not found, locked elsewhere, already completed, or already processing
	}

	if cv.RunpodJobID != nil {
		// Recovery path: submission already happened. Return to
		// RunpodSubmitted so poll's locks accept the row, then resume polling.
		_, ok, err := c.lockAndTransition(ctx, orderID, imageID, versionID,
			map[string]struct{}{string(status.ColoringProcessing): {}}, string(status.ColoringRunpodSubmitted), nil)
		if err != nil {
			c.markError(ctx, orderID, imageID, versionID, err)
			return fmt.Errorf("coloring: resume: %w", err)
		}
		if !ok {
			return nil
		}
		return c.poll(ctx, orderID, imageID, versionID, *cv.RunpodJobID)
	}

	// Image bytes are fetched from storage *before* the submission lock.
	imageData, err := c.fetchSourceImage(ctx, imageID)
	if err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: fetch source image: %w", err)
	}

	// LOCK 2: RunpodSubmitting, then submit outside the lock.
	if _, _, err := c.lockAndTransition(ctx, orderID, imageID, versionID,
		map[string]struct{}{string(status.ColoringProcessing): {}}, string(status.ColoringRunpodSubmitting), nil); err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: lock2: %w", err)
	}

	jobID, err := c.runpod.SubmitJob(ctx, imageData, runpodclient.SubmitParams{Megapixels: cv.Megapixels, Steps: cv.Steps})
	if err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: submit job: %w", err)
	}

	// LOCK 3: record the job handle, enter RunpodSubmitted.
	if _, _, err := c.lockAndTransition(ctx, orderID, imageID, versionID,
		map[string]struct{}{string(status.ColoringRunpodSubmitting): {}}, string(status.ColoringRunpodSubmitted),
		func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `UPDATE coloring_versions SET runpod_job_id = $1, started_at = now() WHERE id = $2`, jobID, versionID)
			return err
		}); err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: lock3: %w", err)
	}

	l.Info("coloring: submitted to runpod", "job_id", jobID)
	return c.poll(ctx, orderID, imageID, versionID, jobID)
}

// poll drives the RunpodQueued⇄RunpodProcessing loop outside any lock, using
// a status-change callback that takes a short lock per intermediate update,
// then finishes with the RunpodCompleted ─► StorageUpload ─► Completed tail.
func (c *ColoringService) poll(ctx context.Context, orderID string, imageID, versionID int64, jobID string) error {
	onStatusChange := func(runpodStatus string) {
		newStatus := string(status.ColoringRunpodQueued)
		if runpodStatus == "IN_PROGRESS" {
			newStatus = string(status.ColoringRunpodProcessing)
		}
		_, _, err := c.lockAndTransition(ctx, orderID, imageID, versionID, coloringAwaitingExternal, newStatus, nil)
		if err != nil {
			c.logger.Warn("coloring: status-change lock failed, ignoring", "version_id", versionID, "error", err)
		}
	}

	output, err := c.runpod.PollJob(ctx, jobID, onStatusChange)
	if err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: poll job: %w", err)
	}

	// LOCK 4: RunpodCompleted ─► StorageUpload.
	if _, _, err := c.lockAndTransition(ctx, orderID, imageID, versionID,
		coloringAwaitingExternal, string(status.ColoringRunpodCompleted), nil); err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: lock4: %w", err)
	}
	if _, _, err := c.lockAndTransition(ctx, orderID, imageID, versionID,
		map[string]struct{}{string(status.ColoringRunpodCompleted): {}}, string(status.ColoringStorageUpload), nil); err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: lock4: %w", err)
	}

	key, err := c.uploadKeyFor(ctx, imageID, versionID)
	if err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: resolve upload key: %w", err)
	}
	ref, err := c.storage.PutObjectRef(ctx, key, output, "image/png", key)
	if err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: upload result: %w", err)
	}

	// LOCK 5: final — Completed, file_ref, and image.selected_coloring_id in
	// the same transaction (spec.md §4.5.3).
	_, _, err = c.lockAndTransition(ctx, orderID, imageID, versionID,
		map[string]struct{}{string(status.ColoringStorageUpload): {}, string(status.ColoringRunpodCompleted): {}},
		string(status.ColoringCompleted),
		func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `UPDATE coloring_versions SET file_ref = $1, completed_at = now() WHERE id = $2`, ref, versionID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE images SET selected_coloring_id = $1 WHERE id = $2`, versionID, imageID)
			return err
		})
	if err != nil {
		c.markError(ctx, orderID, imageID, versionID, err)
		return fmt.Errorf("coloring: lock5: %w", err)
	}
	return nil
}

// lockAndTransition runs one short lock scope: acquire the row with
// SELECT...FOR UPDATE NOWAIT, verify its status is still one of expected
// (verify_and_update_status convergence — a race loses silently), apply
// extra inside the same transaction, set newStatus, and commit through
// internal/session so ImageStatus publishes only after commit.
func (c *ColoringService) lockAndTransition(ctx context.Context, orderID string, imageID, versionID int64, expected map[string]struct{}, newStatus string, extra func(tx *sqlx.Tx) error) (*entity.ColoringVersion, bool, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var cv entity.ColoringVersion
	result, err := reclock.Acquire(ctx, tx, reclock.Params{
		SelectForUpdateNoWait: `SELECT * FROM coloring_versions WHERE id = $1 FOR UPDATE NOWAIT`,
		EntityName:            "ColoringVersion",
		RecordID:              versionID,
		CompletedStatus:       string(status.ColoringCompleted),
		StartableStatuses:     expected,
		Logger:                c.logger,
	}, &cv, func(v *entity.ColoringVersion) reclock.Lockable { return v })
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
	if _, err := tx.ExecContext(ctx, `UPDATE coloring_versions SET status = $1 WHERE id = $2`, newStatus, versionID); err != nil {
		return nil, false, err
	}

	sess := session.New(tx, c.dispatcher)
	sess.SetMercureContext(map[string]any{
		"order_id": orderID, "image_id": imageID, "version_id": versionID, "status_type": "coloring", "status": newStatus,
	})
	if err := sess.MarkChanged(event.ColoringVersionStatus); err != nil {
		return nil, false, err
	}
	if err := sess.Commit(ctx); err != nil {
		return nil, false, err
	}
	cv.Status = newStatus
	return &cv, true, nil
}

// markError writes Error in a best-effort lock, swallowing its own failure —
// on any exception not caught above, the task runtime decides retries
// (spec.md §4.5.3's last rule).
func (c *ColoringService) markError(ctx context.Context, orderID string, imageID, versionID int64, cause error) {
	c.logger.Error("coloring: marking error", "version_id", versionID, "cause", cause)
	_, _, err := c.lockAndTransition(ctx, orderID, imageID, versionID, coloringStartable, string(status.ColoringError), nil)
	if err != nil {
		c.logger.Error("coloring: failed to mark error, leaving for task runtime", "version_id", versionID, "error", err)
	}
}

func (c *ColoringService) fetchSourceImage(ctx context.Context, imageID int64) ([]byte, error) {
	img, err := c.repo.GetImageByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img == nil || img.FileRef == nil {
		return nil, fmt.Errorf("coloring: image %d has no file_ref to process", imageID)
	}
	return c.storage.GetObject(ctx, img.FileRef.Key)
}

func (c *ColoringService) uploadKeyFor(ctx context.Context, imageID, versionID int64) (string, error) {
	img, err := c.repo.GetImageByID(ctx, imageID)
	if err != nil {
		return "", err
	}
	cv, err := c.repo.GetColoringVersionByID(ctx, versionID)
	if err != nil {
		return "", err
	}
	li, err := c.repo.GetLineItemByID(ctx, img.LineItemID)
	if err != nil {
		return "", err
	}
	return entity.ColoringVersionKey(li.OrderID, *li, *img, cv.Version), nil
}

func (c *ColoringService) context(ctx context.Context, versionID int64) (orderID string, imageID int64, err error) {
	cv, err := c.repo.GetColoringVersionByID(ctx, versionID)
	if err != nil {
		return "", 0, err
	}
	if cv == nil {
		return "", 0, fmt.Errorf("coloring version %d not found", versionID)
	}
	orderID, err = c.repo.GetOrderIDForImage(ctx, cv.ImageID)
	if err != nil {
		return "", 0, err
	}
	return orderID, cv.ImageID, nil
}

// GetIncompleteColorings finds ColoringVersions left in a Recoverable status
// by a crashed worker, the C8 recovery finder for the "coloring" actor.
func GetIncompleteColorings(ctx context.Context, db *sqlx.DB) ([]recovery.Item, error) {
	var versions []entity.ColoringVersion
	const q = `SELECT cv.* FROM coloring_versions cv WHERE cv.status = ANY($1) AND cv.file_ref IS NULL`
	statuses := make([]string, 0)
	for _, s := range status.Coloring.IntermediateValues() {
		statuses = append(statuses, s.Value)
	}
	if err := db.SelectContext(ctx, &versions, q, pq.Array(statuses)); err != nil {
		return nil, fmt.Errorf("coloring: find incomplete: %w", err)
	}
	repo := entity.NewRepository(db)
	items := make([]recovery.Item, 0, len(versions))
	for _, v := range versions {
		orderID, err := repo.GetOrderIDForImage(ctx, v.ImageID)
		if err != nil {
			continue
		}
		items = append(items, recovery.Item{VersionID: v.ID, OrderID: orderID, ImageID: v.ImageID})
	}
	return items, nil
}

func init() {
	recovery.Register("coloring", GetIncompleteColorings)
}
