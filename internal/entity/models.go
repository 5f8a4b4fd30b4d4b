// Package entity is the C2 entity store: the Order → LineItem → Image →
// {ColoringVersion, SvgVersion} model (spec.md §3) plus its sqlx-backed
// repositories. Grounded on the teacher's internal/repositories/*.go query style
// and original_source/models/{order,coloring,types}.py's field shapes.
package entity

import "time"

// Order is the root aggregate. Identity is a ULID string — see DESIGN.md's Open
// Question resolution — plus a unique upstream order ID.
type Order struct {
	ID                 string    `db:"id" json:"id"`
	UpstreamOrderID    int64     `db:"upstream_order_id" json:"upstream_order_id"`
	OrderNumber        string    `db:"order_number" json:"order_number"` // always "#"-prefixed
	CustomerEmail      *string   `db:"customer_email" json:"customer_email,omitempty"`
	CustomerName       *string   `db:"customer_name" json:"customer_name,omitempty"`
	PaymentStatus      *string   `db:"payment_status" json:"payment_status,omitempty"`
	ShippingMethod     *string   `db:"shipping_method" json:"shipping_method,omitempty"`
	Status             string    `db:"status" json:"status"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// LineItem belongs to one Order. Position is 1-based and unique per order,
// allocated through the C6 auto-increment allocator.
type LineItem struct {
	ID                   int64   `db:"id" json:"id"`
	OrderID              string  `db:"order_id" json:"order_id"`
	UpstreamLineItemID   int64   `db:"upstream_line_item_id" json:"upstream_line_item_id"`
	Position             int     `db:"position" json:"position"`
	Title                string  `db:"title" json:"title"`
	Quantity             int     `db:"quantity" json:"quantity"`
	Dedication           *string `db:"dedication" json:"dedication,omitempty"`   // upstream key "Věnování"
	Layout               *string `db:"layout" json:"layout,omitempty"`           // upstream key "Rozvržení"
}

// Image belongs to one LineItem. Position is 1-based and unique per line item.
// SelectedColoringID/SelectedSvgID are the "selection pointers" from spec.md §3.
type Image struct {
	ID                 int64      `db:"id" json:"id"`
	LineItemID         int64      `db:"line_item_id" json:"line_item_id"`
	Position           int        `db:"position" json:"position"`
	OriginalURL        string     `db:"original_url" json:"original_url"`
	FileRef            *ObjectRef `db:"file_ref" json:"file_ref,omitempty"`
	UploadedAt         *time.Time `db:"uploaded_at" json:"uploaded_at,omitempty"`
	SelectedColoringID *int64     `db:"selected_coloring_id" json:"selected_coloring_id,omitempty"`
	SelectedSvgID      *int64     `db:"selected_svg_id" json:"selected_svg_id,omitempty"`
}

// ColoringVersion is one attempt at a coloring-book render for an Image. Version
// numbers are unique per image and monotonically allocated (C6); rows are never
// deleted, only progressed through status.
type ColoringVersion struct {
	ID           int64      `db:"id" json:"id"`
	ImageID      int64      `db:"image_id" json:"image_id"`
	Version      int        `db:"version" json:"version"`
	FileRef      *ObjectRef `db:"file_ref" json:"file_ref,omitempty"`
	Status       string     `db:"status" json:"status"`
	RunpodJobID  *string    `db:"runpod_job_id" json:"runpod_job_id,omitempty"`
	Megapixels   *float64   `db:"megapixels" json:"megapixels,omitempty"`
	Steps        *int       `db:"steps" json:"steps,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// CurrentStatus and HasTerminalArtifact satisfy internal/reclock.Lockable,
// letting C5's generic Acquire reason about a ColoringVersion row without
// reflection.
func (c *ColoringVersion) CurrentStatus() string    { return c.Status }
func (c *ColoringVersion) HasTerminalArtifact() bool { return c.FileRef != nil }

// SvgVersion is one attempt at vectorizing a ColoringVersion for an Image.
type SvgVersion struct {
	ID                int64      `db:"id" json:"id"`
	ImageID           int64      `db:"image_id" json:"image_id"`
	ColoringVersionID int64      `db:"coloring_version_id" json:"coloring_version_id"`
	Version           int        `db:"version" json:"version"`
	FileRef           *ObjectRef `db:"file_ref" json:"file_ref,omitempty"`
	Status            string     `db:"status" json:"status"`
	VectorizerJobID   *string    `db:"vectorizer_job_id" json:"vectorizer_job_id,omitempty"`
	ShapeStacking      *string   `db:"shape_stacking" json:"shape_stacking,omitempty"`
	GroupBy            *string   `db:"group_by" json:"group_by,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// CurrentStatus and HasTerminalArtifact satisfy internal/reclock.Lockable.
func (s *SvgVersion) CurrentStatus() string    { return s.Status }
func (s *SvgVersion) HasTerminalArtifact() bool { return s.FileRef != nil }
