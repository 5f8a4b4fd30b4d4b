package entity

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository is the C2 entity store's sqlx-backed gateway, grounded on the
// teacher's internal/repositories/*.go query style (plain SQL, COALESCE for
// nullable scalar reads, sql.ErrNoRows translated to a nil return).
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// --- Order ---

func (r *Repository) CreateOrder(ctx context.Context, o *Order) error {
	const q = `
		INSERT INTO orders (id, upstream_order_id, order_number, customer_email, customer_name,
			payment_status, shipping_method, status, created_at, updated_at)
		VALUES (:id, :upstream_order_id, :order_number, :customer_email, :customer_name,
			:payment_status, :shipping_method, :status, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, q, o)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *Repository) GetOrderByID(ctx context.Context, id string) (*Order, error) {
	var o Order
	const q = `SELECT * FROM orders WHERE id = $1`
	if err := r.db.GetContext(ctx, &o, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return &o, nil
}

func (r *Repository) GetOrderByUpstreamID(ctx context.Context, upstreamID int64) (*Order, error) {
	var o Order
	const q = `SELECT * FROM orders WHERE upstream_order_id = $1`
	if err := r.db.GetContext(ctx, &o, q, upstreamID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by upstream id: %w", err)
	}
	return &o, nil
}

func (r *Repository) ListOrders(ctx context.Context, skip, limit int) ([]Order, error) {
	var orders []Order
	const q = `SELECT * FROM orders ORDER BY created_at DESC OFFSET $1 LIMIT $2`
	if err := r.db.SelectContext(ctx, &orders, q, skip, limit); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// GetOrderIDForImage resolves the order an image belongs to, for the
// order_id Mercure context every pipeline service needs to attach before
// marking a per-image or per-version field changed.
func (r *Repository) GetOrderIDForImage(ctx context.Context, imageID int64) (string, error) {
	var orderID string
	const q = `
		SELECT o.id FROM orders o
		JOIN line_items li ON li.order_id = o.id
		JOIN images img ON img.line_item_id = li.id
		WHERE img.id = $1`
	if err := r.db.GetContext(ctx, &orderID, q, imageID); err != nil {
		return "", fmt.Errorf("get order id for image: %w", err)
	}
	return orderID, nil
}

// --- LineItem ---

func (r *Repository) GetLineItemByUpstreamID(ctx context.Context, orderID string, upstreamID int64) (*LineItem, error) {
	var li LineItem
	const q = `SELECT * FROM line_items WHERE order_id = $1 AND upstream_line_item_id = $2`
	if err := r.db.GetContext(ctx, &li, q, orderID, upstreamID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get line item by upstream id: %w", err)
	}
	return &li, nil
}

func (r *Repository) GetLineItemByID(ctx context.Context, id int64) (*LineItem, error) {
	var li LineItem
	const q = `SELECT * FROM line_items WHERE id = $1`
	if err := r.db.GetContext(ctx, &li, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get line item by id: %w", err)
	}
	return &li, nil
}

func (r *Repository) ListLineItemsByOrder(ctx context.Context, orderID string) ([]LineItem, error) {
	var items []LineItem
	const q = `SELECT * FROM line_items WHERE order_id = $1 ORDER BY position`
	if err := r.db.SelectContext(ctx, &items, q, orderID); err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	return items, nil
}

func (r *Repository) MaxLineItemPosition(ctx context.Context, orderID string) (int, error) {
	var max int
	const q = `SELECT COALESCE(MAX(position), 0) FROM line_items WHERE order_id = $1`
	if err := r.db.GetContext(ctx, &max, q, orderID); err != nil {
		return 0, fmt.Errorf("max line item position: %w", err)
	}
	return max, nil
}

// --- Image ---

func (r *Repository) GetImageByPosition(ctx context.Context, lineItemID int64, position int) (*Image, error) {
	var img Image
	const q = `SELECT * FROM images WHERE line_item_id = $1 AND position = $2`
	if err := r.db.GetContext(ctx, &img, q, lineItemID, position); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get image by position: %w", err)
	}
	return &img, nil
}

func (r *Repository) GetImageByID(ctx context.Context, id int64) (*Image, error) {
	var img Image
	const q = `SELECT * FROM images WHERE id = $1`
	if err := r.db.GetContext(ctx, &img, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get image by id: %w", err)
	}
	return &img, nil
}

func (r *Repository) ListImagesMissingFileRef(ctx context.Context, orderID string) ([]Image, error) {
	var images []Image
	const q = `
		SELECT images.* FROM images
		JOIN line_items ON line_items.id = images.line_item_id
		WHERE line_items.order_id = $1 AND images.file_ref IS NULL`
	if err := r.db.SelectContext(ctx, &images, q, orderID); err != nil {
		return nil, fmt.Errorf("list images missing file_ref: %w", err)
	}
	return images, nil
}

func (r *Repository) ListImagesByLineItem(ctx context.Context, lineItemID int64) ([]Image, error) {
	var images []Image
	const q = `SELECT * FROM images WHERE line_item_id = $1 ORDER BY position`
	if err := r.db.SelectContext(ctx, &images, q, lineItemID); err != nil {
		return nil, fmt.Errorf("list images by line item: %w", err)
	}
	return images, nil
}

// --- ColoringVersion ---

func (r *Repository) GetColoringVersionByID(ctx context.Context, id int64) (*ColoringVersion, error) {
	var cv ColoringVersion
	const q = `SELECT * FROM coloring_versions WHERE id = $1`
	if err := r.db.GetContext(ctx, &cv, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get coloring version: %w", err)
	}
	return &cv, nil
}

func (r *Repository) ListColoringVersionsByImage(ctx context.Context, imageID int64) ([]ColoringVersion, error) {
	var vs []ColoringVersion
	const q = `SELECT * FROM coloring_versions WHERE image_id = $1 ORDER BY version`
	if err := r.db.SelectContext(ctx, &vs, q, imageID); err != nil {
		return nil, fmt.Errorf("list coloring versions: %w", err)
	}
	return vs, nil
}

func (r *Repository) MaxColoringVersion(ctx context.Context, imageID int64) (int, error) {
	var max int
	const q = `SELECT COALESCE(MAX(version), 0) FROM coloring_versions WHERE image_id = $1`
	if err := r.db.GetContext(ctx, &max, q, imageID); err != nil {
		return 0, fmt.Errorf("max coloring version: %w", err)
	}
	return max, nil
}

// --- SvgVersion ---

func (r *Repository) GetSvgVersionByID(ctx context.Context, id int64) (*SvgVersion, error) {
	var sv SvgVersion
	const q = `SELECT * FROM svg_versions WHERE id = $1`
	if err := r.db.GetContext(ctx, &sv, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get svg version: %w", err)
	}
	return &sv, nil
}

func (r *Repository) MaxSvgVersion(ctx context.Context, imageID int64) (int, error) {
	var max int
	const q = `SELECT COALESCE(MAX(version), 0) FROM svg_versions WHERE image_id = $1`
	if err := r.db.GetContext(ctx, &max, q, imageID); err != nil {
		return 0, fmt.Errorf("max svg version: %w", err)
	}
	return max, nil
}

func (r *Repository) ListSvgVersionsByImage(ctx context.Context, imageID int64) ([]SvgVersion, error) {
	var vs []SvgVersion
	const q = `SELECT * FROM svg_versions WHERE image_id = $1 ORDER BY version`
	if err := r.db.SelectContext(ctx, &vs, q, imageID); err != nil {
		return nil, fmt.Errorf("list svg versions: %w", err)
	}
	return vs, nil
}

// CountOrders backs the total in GET /orders's paginated response.
func (r *Repository) CountOrders(ctx context.Context) (int, error) {
	var n int
	const q = `SELECT COUNT(*) FROM orders`
	if err := r.db.GetContext(ctx, &n, q); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// OrderDetail is the full tree GET /orders/{id} renders: every line item, its
// images, and each image's coloring/svg version history.
type OrderDetail struct {
	Order     Order          `json:"order"`
	LineItems []LineItemTree `json:"line_items"`
}

type LineItemTree struct {
	LineItem
	Images []ImageTree `json:"images"`
}

type ImageTree struct {
	Image
	ColoringVersions []ColoringVersion `json:"coloring_versions"`
	SvgVersions      []SvgVersion      `json:"svg_versions"`
}

// GetOrderDetail assembles the full order tree with a handful of simple
// queries rather than one deep join — the same shape as the teacher's
// internal/repositories read patterns, trading a few round trips for
// straightforward scanning into plain structs.
func (r *Repository) GetOrderDetail(ctx context.Context, orderID string) (*OrderDetail, error) {
	order, err := r.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}

	lineItems, err := r.ListLineItemsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	detail := &OrderDetail{Order: *order, LineItems: make([]LineItemTree, 0, len(lineItems))}
	for _, li := range lineItems {
		images, err := r.ListImagesByLineItem(ctx, li.ID)
		if err != nil {
			return nil, err
		}
		tree := LineItemTree{LineItem: li, Images: make([]ImageTree, 0, len(images))}
		for _, img := range images {
			cvs, err := r.ListColoringVersionsByImage(ctx, img.ID)
			if err != nil {
				return nil, err
			}
			svs, err := r.ListSvgVersionsByImage(ctx, img.ID)
			if err != nil {
				return nil, err
			}
			tree.Images = append(tree.Images, ImageTree{Image: img, ColoringVersions: cvs, SvgVersions: svs})
		}
		detail.LineItems = append(detail.LineItems, tree)
	}
	return detail, nil
}

// GetImageDetail is GetOrderDetail's single-image counterpart for
// GET /orders/{order_id}/images/{image_id}.
func (r *Repository) GetImageDetail(ctx context.Context, imageID int64) (*ImageTree, error) {
	img, err := r.GetImageByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, nil
	}
	cvs, err := r.ListColoringVersionsByImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	svs, err := r.ListSvgVersionsByImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return &ImageTree{Image: *img, ColoringVersions: cvs, SvgVersions: svs}, nil
}
