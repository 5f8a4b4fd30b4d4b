package event

import "fmt"

// Field IDs for the tracked fields named in spec.md §4.3's event table.
const (
	OrderStatus         FieldID = "Order.status"
	OrderPaymentStatus  FieldID = "Order.payment_status"
	OrderShippingMethod FieldID = "Order.shipping_method"

	ImageSelectedColoringID FieldID = "Image.selected_coloring_id"
	ImageSelectedSvgID      FieldID = "Image.selected_svg_id"
	ImageFileRef            FieldID = "Image.file_ref"

	ColoringVersionStatus FieldID = "ColoringVersion.status"
	SvgVersionStatus      FieldID = "SvgVersion.status"
)

// OrderUpdateEvent notifies subscribers that one order's summary fields changed.
type OrderUpdateEvent struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

func (e OrderUpdateEvent) Kind() string        { return "order_update" }
func (e OrderUpdateEvent) IdentityKey() string  { return "order:" + e.OrderID }
func (e OrderUpdateEvent) Topics() []string {
	return []string{"orders", "orders/" + e.OrderID}
}

// ListUpdateEvent is the batch aggregate: at most one per deferred-batch scope,
// regardless of how many orders changed inside it.
type ListUpdateEvent struct {
	Type string `json:"type"`
}

func (e ListUpdateEvent) Kind() string       { return "list_update" }
func (e ListUpdateEvent) IdentityKey() string { return "list" }
func (e ListUpdateEvent) Topics() []string    { return []string{"orders"} }

// ImageUpdateEvent notifies subscribers that one image's selection pointers or
// file_ref changed.
type ImageUpdateEvent struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	ImageID int64  `json:"image_id"`
}

func (e ImageUpdateEvent) Kind() string       { return "image_update" }
func (e ImageUpdateEvent) IdentityKey() string { return fmt.Sprintf("image:%d", e.ImageID) }
func (e ImageUpdateEvent) Topics() []string {
	return []string{"orders", "orders/" + e.OrderID}
}

// ImageStatusEvent carries per-version live progress for one image.
type ImageStatusEvent struct {
	Type       string `json:"type"`
	OrderID    string `json:"order_id"`
	ImageID    int64  `json:"image_id"`
	StatusType string `json:"status_type"` // "coloring" | "svg"
	VersionID  int64  `json:"version_id"`
	Status     string `json:"status"`
}

func (e ImageStatusEvent) Kind() string { return "image_status" }
func (e ImageStatusEvent) IdentityKey() string {
	return fmt.Sprintf("img-status:%d:%s", e.VersionID, e.StatusType)
}
func (e ImageStatusEvent) Topics() []string {
	return []string{"orders/" + e.OrderID}
}

func init() {
	Register(&Def{
		Name:            "OrderUpdate",
		TriggerFields:   []FieldID{OrderStatus, OrderPaymentStatus, OrderShippingMethod},
		RequiredContext: []string{"order_id"},
		Build: func(ctx Context) Event {
			return OrderUpdateEvent{Type: "order_update", OrderID: ctx["order_id"].(string)}
		},
	})

	Register(&Def{
		Name:          "ListUpdate",
		Collected:     true,
		CollectsKinds: []string{"OrderUpdate"},
		Build: func(ctx Context) Event {
			return ListUpdateEvent{Type: "list_update"}
		},
	})

	Register(&Def{
		Name:            "ImageUpdate",
		TriggerFields:   []FieldID{ImageSelectedColoringID, ImageSelectedSvgID, ImageFileRef},
		RequiredContext: []string{"order_id", "image_id"},
		Build: func(ctx Context) Event {
			return ImageUpdateEvent{
				Type:    "image_update",
				OrderID: ctx["order_id"].(string),
				ImageID: ctx["image_id"].(int64),
			}
		},
	})

	Register(&Def{
		Name:            "ImageStatus",
		TriggerFields:   []FieldID{ColoringVersionStatus, SvgVersionStatus},
		RequiredContext: []string{"order_id", "image_id", "version_id", "status_type"},
		Build: func(ctx Context) Event {
			return ImageStatusEvent{
				Type:       "image_status",
				OrderID:    ctx["order_id"].(string),
				ImageID:    ctx["image_id"].(int64),
				StatusType: ctx["status_type"].(string),
				VersionID:  ctx["version_id"].(int64),
				Status:     ctx["status"].(string),
			}
		},
	})
}
