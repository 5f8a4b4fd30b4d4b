// Package pipeline holds the C9 pipeline services: ingest, download, coloring,
// vectorize, and the selection-rule helpers. Each service follows spec.md
// §4.5's shared shape — precondition lock, external work outside any lock,
// final lock — and publishes through internal/session so no event escapes a
// rolled-back transaction.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"fotopipe/internal/apperr"
	"fotopipe/internal/autoincrement"
	"fotopipe/internal/entity"
	"fotopipe/internal/event"
	"fotopipe/internal/recovery"
	"fotopipe/internal/session"
	"fotopipe/internal/status"
	"fotopipe/internal/taskrunner"
	"fotopipe/internal/upstream"
)

// imageSlotPattern recognizes a line item's custom-attribute keys that name an
// image slot. Preserved exactly from
// original_source/services/orders/shopify_sync_service.py's
// extract_image_urls, which matches e.g. "Fotka 1", "Fotka-3", "Fotka (2)-1"
// (a bare "Fotka" or "Fotka (2)" has no trailing number and does not match).
var imageSlotPattern = regexp.MustCompile(`Fotka\s*(?:\(\d+\))?-?(\d+)`)

const (
	dedicationKey = "Věnování"
	layoutKey     = "Rozvržení"
)

// IngestService implements spec.md §4.5.1: fetch an order from the upstream
// API, reconcile its line items and image slots against our entity model, and
// hand off to the Download service when there is work pending.
type IngestService struct {
	db         *sqlx.DB
	repo       *entity.Repository
	upstream   *upstream.Client
	dispatcher *event.Dispatcher
	runtime    *taskrunner.Runtime
	logger     *slog.Logger
}

func NewIngestService(db *sqlx.DB, upstreamClient *upstream.Client, dispatcher *event.Dispatcher, runtime *taskrunner.Runtime, logger *slog.Logger) *IngestService {
	return &IngestService{
		db:         db,
		repo:       entity.NewRepository(db),
		upstream:   upstreamClient,
		dispatcher: dispatcher,
		runtime:    runtime,
		logger:     logger,
	}
}

// SyncOrder implements spec.md §4.5.1's numbered steps for one order already
// present in our entity model with status Pending or Processing.
func (s *IngestService) SyncOrder(ctx context.Context, orderID string) (upstream.SyncResult, error) {
	l := s.logger.With("order_id", orderID)

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return upstream.SyncResult{}, fmt.Errorf("ingest: load order: %w", err)
	}
	if order == nil {
		return upstream.SyncResult{}, &apperr.NotFound{Entity: "Order", ID: orderID}
	}
	if !status.Orders.Contains(order.Status, status.Startable) {
		l.Warn("ingest: order not in a startable status, skipping", "status", order.Status)
		return upstream.SyncResult{Skipped: true}, nil
	}

	// Step 1: Processing, auto-published as OrderUpdate, committed on its own
	// so the UI sees "Processing" immediately even if the upstream fetch is
	// slow — mirrors the source's separate status-only commit before the
	// network call.
	if err := s.setStatus(ctx, orderID, string(status.OrderProcessing)); err != nil {
		return upstream.SyncResult{}, fmt.Errorf("ingest: mark processing: %w", err)
	}

	// Step 2: fetch full order detail. A failed fetch is a terminal Error,
	// never retried here — the caller's task-runtime wrapper decides whether
	// the whole ingest attempt itself gets retried.
	payload, err := s.upstream.GetOrder(ctx, order.UpstreamOrderID)
	if err != nil {
		l.Error("ingest: upstream fetch failed", "error", err)
		_ = s.setStatus(ctx, orderID, string(status.OrderError))
		return upstream.SyncResult{}, fmt.Errorf("ingest: fetch upstream order: %w", err)
	}

	hasPending, err := s.reconcile(ctx, order, payload)
	if err != nil {
		l.Error("ingest: reconcile failed", "error", err)
		_ = s.setStatus(ctx, orderID, string(status.OrderError))
		return upstream.SyncResult{}, fmt.Errorf("ingest: reconcile: %w", err)
	}

	// Step 5: hand off to Download, or close out the order directly.
	if hasPending {
		id, err := s.runtime.Enqueue(ctx, nil, "download", map[string]any{"order_id": orderID}, false)
		if err != nil {
			return upstream.SyncResult{}, fmt.Errorf("ingest: enqueue download: %w", err)
		}
		s.runtime.Dispatch(id)
	} else {
		if err := s.setStatus(ctx, orderID, string(status.OrderReadyForReview)); err != nil {
			return upstream.SyncResult{}, fmt.Errorf("ingest: mark ready for review: %w", err)
		}
	}

	return upstream.SyncResult{Updated: true}, nil
}

// reconcile implements steps 3-4: update order metadata, then upsert every
// upstream line item and its image slots. Reports whether any image still
// needs a download after the reconcile.
func (s *IngestService) reconcile(ctx context.Context, order *entity.Order, payload *upstream.OrderPayload) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sess := session.New(tx, s.dispatcher)
	sess.SetMercureContext(map[string]any{"order_id": order.ID})

	// Step 3: update order metadata (payment/shipping fields).
	paymentStatus := payload.FinancialState
	var shippingMethod *string
	if len(payload.ShippingLines) > 0 {
		shippingMethod = &payload.ShippingLines[0].Title
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET payment_status = $1, shipping_method = $2, updated_at = now() WHERE id = $3`,
		paymentStatus, shippingMethod, order.ID,
	); err != nil {
		return false, fmt.Errorf("update order metadata: %w", err)
	}
	if changed(order.PaymentStatus, paymentStatus) {
		if err := sess.MarkChanged(event.OrderPaymentStatus); err != nil {
			return false, err
		}
	}
	if changed(order.ShippingMethod, shippingMethod) {
		if err := sess.MarkChanged(event.OrderShippingMethod); err != nil {
			return false, err
		}
	}

	hasPending := false
	for _, li := range payload.LineItems {
		itemHasPending, err := s.reconcileLineItem(ctx, tx, order.ID, li)
		if err != nil {
			return false, fmt.Errorf("reconcile line item %d: %w", li.ID, err)
		}
		hasPending = hasPending || itemHasPending
	}

	if err := sess.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit reconcile: %w", err)
	}
	return hasPending, nil
}

// reconcileLineItem implements step 4: look up by unique upstream ID,
// allocate a position for a new row, then upsert image slots parsed from the
// line item's custom-attribute bag.
func (s *IngestService) reconcileLineItem(ctx context.Context, tx *sqlx.Tx, orderID string, li upstream.LineItemRef) (bool, error) {
	var lineItemID int64
	existing, err := s.repo.GetLineItemByUpstreamID(ctx, orderID, li.ID)
	if err != nil {
		return false, err
	}

	dedication := propValue(li.Properties, dedicationKey)
	layout := propValue(li.Properties, layoutKey)

	if existing != nil {
		lineItemID = existing.ID
		if _, err := tx.ExecContext(ctx,
			`UPDATE line_items SET title = $1, quantity = $2, dedication = $3, layout = $4 WHERE id = $5`,
			li.Title, li.Quantity, dedication, layout, lineItemID,
		); err != nil {
			return false, fmt.Errorf("update line item: %w", err)
		}
	} else {
		var newID int64
		_, err := autoincrement.Retry(ctx, tx, autoincrement.Params{
			NextValueQuery: `SELECT COALESCE(MAX(position), 0) + 1 FROM line_items WHERE order_id = $1`,
			QueryArgs:      []any{orderID},
			Constraint:     "line_items_order_position_key",
			Logger:         s.logger,
		}, func(ctx context.Context, tx *sqlx.Tx, position int64) error {
			return tx.GetContext(ctx, &newID, `
				INSERT INTO line_items (order_id, upstream_line_item_id, position, title, quantity, dedication, layout)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				orderID, li.ID, position, li.Title, li.Quantity, dedication, layout)
		})
		if err != nil {
			return false, fmt.Errorf("insert line item: %w", err)
		}
		lineItemID = newID
	}

	hasPending := false
	for position, imgURL := range extractImageURLs(li.Properties) {
		created, needsDownload, err := s.upsertImageSlot(ctx, tx, lineItemID, position, imgURL)
		if err != nil {
			return false, fmt.Errorf("upsert image slot %d: %w", position, err)
		}
		_ = created
		hasPending = hasPending || needsDownload
	}

	return hasPending, nil
}

// upsertImageSlot implements "upsert an Image by (line_item_id, position);
// new images mark the order as has downloads pending" — and the recovery
// nuance spec.md §4.5.1's EXPANSION calls out: a pre-existing row whose
// file_ref is still nil also needs a download, exactly mirroring a re-run of
// ingest against a partially-downloaded order.
func (s *IngestService) upsertImageSlot(ctx context.Context, tx *sqlx.Tx, lineItemID int64, position int, sourceURL string) (created bool, needsDownload bool, err error) {
	existing, err := s.repo.GetImageByPosition(ctx, lineItemID, position)
	if err != nil {
		return false, false, err
	}
	if existing != nil {
		if existing.OriginalURL != sourceURL {
			if _, err := tx.ExecContext(ctx, `UPDATE images SET original_url = $1 WHERE id = $2`, sourceURL, existing.ID); err != nil {
				return false, false, err
			}
		}
		return false, existing.FileRef == nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO images (line_item_id, position, original_url) VALUES ($1, $2, $3)`,
		lineItemID, position, sourceURL,
	); err != nil {
		return false, false, err
	}
	return true, true, nil
}

// extractImageURLs maps a line item's custom attributes to {position: url}
// pairs, the Go rendition of extract_image_urls — non-HTTP values are
// ignored (a "Fotka" property can also carry a plain-text note).
func extractImageURLs(props []upstream.LineItemProp) map[int]string {
	out := map[int]string{}
	for _, p := range props {
		m := imageSlotPattern.FindStringSubmatch(p.Name)
		if m == nil {
			continue
		}
		if !strings.HasPrefix(p.Value, "http://") && !strings.HasPrefix(p.Value, "https://") {
			continue
		}
		pos, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out[pos] = p.Value
	}
	return out
}

func propValue(props []upstream.LineItemProp, name string) *string {
	for _, p := range props {
		if p.Name == name {
			v := p.Value
			return &v
		}
	}
	return nil
}

func changed[T comparable](before, after *T) bool {
	if before == nil && after == nil {
		return false
	}
	if before == nil || after == nil {
		return true
	}
	return *before != *after
}

func (s *IngestService) setStatus(ctx context.Context, orderID, newStatus string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sess := session.New(tx, s.dispatcher)
	sess.SetMercureContext(map[string]any{"order_id": orderID})

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1, updated_at = now() WHERE id = $2`, newStatus, orderID); err != nil {
		return err
	}
	if err := sess.MarkChanged(event.OrderStatus); err != nil {
		return err
	}
	sess.MarkOrderListDirty(orderID)
	return sess.Commit(ctx)
}

// GetIncompleteIngestions implements original_source's
// get_incomplete_ingestions: orders left in Processing by a crashed worker,
// the C8 recovery registry's finder for the "ingest" actor.
func GetIncompleteIngestions(ctx context.Context, db *sqlx.DB) ([]recovery.Item, error) {
	var orders []entity.Order
	const q = `SELECT * FROM orders WHERE status = $1`
	if err := db.SelectContext(ctx, &orders, q, string(status.OrderProcessing)); err != nil {
		return nil, fmt.Errorf("ingest: find incomplete: %w", err)
	}
	items := make([]recovery.Item, 0, len(orders))
	for _, o := range orders {
		items = append(items, recovery.Item{OrderID: o.ID})
	}
	return items, nil
}

func init() {
	recovery.Register("ingest", GetIncompleteIngestions)
}
