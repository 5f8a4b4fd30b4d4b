package status

// OrderStatus is the lifecycle state of an Order row (spec.md §3/§4.1).
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderDownloading    OrderStatus = "downloading"
	OrderProcessing     OrderStatus = "processing"
	OrderReadyForReview OrderStatus = "ready_for_review"
	OrderError          OrderStatus = "error"
)

// Orders is the immutable registry for OrderStatus, built once at package init.
var Orders = NewRegistry(
	Status{Value: string(OrderPending), Display: "Pending", Flags: Startable | Recoverable},
	Status{Value: string(OrderDownloading), Display: "Downloading", Flags: Recoverable},
	Status{Value: string(OrderProcessing), Display: "Processing", Flags: Startable | Recoverable},
	Status{Value: string(OrderReadyForReview), Display: "Ready for review", Flags: Final},
	Status{Value: string(OrderError), Display: "Error", Flags: Final | Retryable},
)
