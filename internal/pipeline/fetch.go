package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"fotopipe/internal/entity"
	"fotopipe/internal/event"
	"fotopipe/internal/session"
	"fotopipe/internal/status"
	"fotopipe/internal/taskrunner"
	"fotopipe/internal/upstream"
)

// FetchService implements spec.md §4.5.1's batch entry point: list recent
// orders from the upstream API, upsert each idempotently
// (create_or_update_from_shopify), and enqueue Ingest for every order that is
// new or needs reprocessing. Grounded on
// original_source/services/orders/shopify_sync_service.py's sync_orders_batch
// and order_service.py's create_or_update_from_shopify/_order_needs_reprocessing.
type FetchService struct {
	db         *sqlx.DB
	repo       *entity.Repository
	upstream   *upstream.Client
	dispatcher *event.Dispatcher
	runtime    *taskrunner.Runtime
}

func NewFetchService(db *sqlx.DB, upstreamClient *upstream.Client, dispatcher *event.Dispatcher, runtime *taskrunner.Runtime) *FetchService {
	return &FetchService{
		db:         db,
		repo:       entity.NewRepository(db),
		upstream:   upstreamClient,
		dispatcher: dispatcher,
		runtime:    runtime,
	}
}

// FetchFromShopify implements fetch_orders_from_shopify: the whole batch runs
// in one transaction/session so every order touched collapses into a single
// ListUpdate publish instead of one per order, the Go rendition of
// deferred_batch_events().
func (f *FetchService) FetchFromShopify(ctx context.Context, limit int) (upstream.BatchSyncResult, error) {
	summaries, err := f.upstream.ListRecentOrders(ctx, limit)
	if err != nil {
		return upstream.BatchSyncResult{}, fmt.Errorf("fetch shopify: list recent orders: %w", err)
	}

	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		return upstream.BatchSyncResult{}, err
	}
	defer tx.Rollback()

	sess := session.New(tx, f.dispatcher)
	result := upstream.BatchSyncResult{Total: len(summaries)}
	var toIngest []string

	err = sess.DeferBatch(ctx, func() error {
		for _, summary := range summaries {
			orderID, action, err := f.upsertFromSummary(ctx, tx, sess, summary)
			if err != nil {
				return fmt.Errorf("upsert order %d: %w", summary.ID, err)
			}
			switch action {
			case "imported":
				result.Imported++
				toIngest = append(toIngest, orderID)
			case "updated":
				result.Updated++
				toIngest = append(toIngest, orderID)
			default:
				result.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return upstream.BatchSyncResult{}, fmt.Errorf("fetch shopify: sync batch: %w", err)
	}

	if err := sess.Commit(ctx); err != nil {
		return upstream.BatchSyncResult{}, fmt.Errorf("fetch shopify: commit batch: %w", err)
	}

	for _, orderID := range toIngest {
		id, err := f.runtime.Enqueue(ctx, nil, "ingest", map[string]any{"order_id": orderID}, false)
		if err != nil {
			return result, fmt.Errorf("fetch shopify: enqueue ingest for %s: %w", orderID, err)
		}
		f.runtime.Dispatch(id)
	}

	return result, nil
}

// SyncSingleOrder implements sync_single_order: the webhook path's one-order
// upsert, sharing upsertFromSummary with the batch endpoint. Returns
// (order id, "imported"|"updated"|"skipped").
func (f *FetchService) SyncSingleOrder(ctx context.Context, summary upstream.OrderSummary) (string, string, error) {
	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	sess := session.New(tx, f.dispatcher)
	orderID, action, err := f.upsertFromSummary(ctx, tx, sess, summary)
	if err != nil {
		return "", "", fmt.Errorf("sync single order %d: %w", summary.ID, err)
	}
	if err := sess.Commit(ctx); err != nil {
		return "", "", fmt.Errorf("sync single order %d: commit: %w", summary.ID, err)
	}

	if action != "skipped" {
		id, err := f.runtime.Enqueue(ctx, nil, "ingest", map[string]any{"order_id": orderID}, false)
		if err != nil {
			return orderID, action, fmt.Errorf("sync single order %d: enqueue ingest: %w", summary.ID, err)
		}
		f.runtime.Dispatch(id)
	}
	return orderID, action, nil
}

// upsertFromSummary implements create_or_update_from_shopify: returns
// (order id, "imported"|"updated"|"skipped").
func (f *FetchService) upsertFromSummary(ctx context.Context, tx *sqlx.Tx, sess *session.Session, summary upstream.OrderSummary) (string, string, error) {
	existing, err := f.repo.GetOrderByUpstreamID(ctx, summary.ID)
	if err != nil {
		return "", "", err
	}

	email := summary.Email
	customerName := buildCustomerName(summary.Customer)
	var shippingMethod *string
	if len(summary.ShippingLines) > 0 {
		shippingMethod = &summary.ShippingLines[0].Title
	}

	if existing != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET payment_status = COALESCE($1, payment_status),
				shipping_method = COALESCE($2, shipping_method),
				customer_name = COALESCE($3, customer_name),
				customer_email = COALESCE($4, customer_email),
				updated_at = now()
			 WHERE id = $5`,
			summary.FinancialState, shippingMethod, customerName, email, existing.ID,
		); err != nil {
			return "", "", fmt.Errorf("update order metadata: %w", err)
		}

		needsReprocessing, err := f.orderNeedsReprocessing(ctx, existing)
		if err != nil {
			return "", "", err
		}
		if !needsReprocessing {
			return existing.ID, "skipped", nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, string(status.OrderPending), existing.ID); err != nil {
			return "", "", err
		}
		sess.SetMercureContext(map[string]any{"order_id": existing.ID})
		if err := sess.MarkChanged(event.OrderStatus); err != nil {
			return "", "", err
		}
		sess.MarkOrderListDirty(existing.ID)
		return existing.ID, "updated", nil
	}

	orderID := entity.NewOrderID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, upstream_order_id, order_number, customer_email, customer_name,
			payment_status, shipping_method, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		orderID, summary.ID, entity.NormalizeOrderNumber(summary.Name), email, customerName,
		summary.FinancialState, shippingMethod, string(status.OrderPending), summary.CreatedAt,
	); err != nil {
		return "", "", fmt.Errorf("insert order: %w", err)
	}
	sess.MarkOrderListDirty(orderID)
	return orderID, "imported", nil
}

// orderNeedsReprocessing is _order_needs_reprocessing: an order in Error, with
// no line items yet, or with any image still missing its file_ref needs
// another pass through Ingest/Download.
func (f *FetchService) orderNeedsReprocessing(ctx context.Context, order *entity.Order) (bool, error) {
	if order.Status == string(status.OrderError) {
		return true, nil
	}
	items, err := f.repo.ListLineItemsByOrder(ctx, order.ID)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return true, nil
	}
	missing, err := f.repo.ListImagesMissingFileRef(ctx, order.ID)
	if err != nil {
		return false, err
	}
	return len(missing) > 0, nil
}

func buildCustomerName(c *upstream.CustomerRef) *string {
	if c == nil {
		return nil
	}
	name := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if name == "" {
		return nil
	}
	return &name
}
