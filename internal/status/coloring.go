package status

// ColoringStatus is the per-ColoringVersion state machine (spec.md §4.1/§4.5.3).
type ColoringStatus string

const (
	ColoringPending          ColoringStatus = "pending"
	ColoringQueued           ColoringStatus = "queued"
	ColoringProcessing       ColoringStatus = "processing"
	ColoringRunpodSubmitting ColoringStatus = "runpod_submitting"
	ColoringRunpodSubmitted  ColoringStatus = "runpod_submitted"
	ColoringRunpodQueued     ColoringStatus = "runpod_queued"
	ColoringRunpodProcessing ColoringStatus = "runpod_processing"
	ColoringRunpodCompleted  ColoringStatus = "runpod_completed"
	ColoringStorageUpload    ColoringStatus = "storage_upload"
	ColoringCompleted        ColoringStatus = "completed"
	ColoringError            ColoringStatus = "error"
	ColoringRunpodCancelled  ColoringStatus = "runpod_cancelled"
)

// Coloring is the immutable registry for ColoringStatus.
var Coloring = NewRegistry(
	Status{Value: string(ColoringPending), Display: "Pending", Flags: Startable | Recoverable},
	Status{Value: string(ColoringQueued), Display: "Queued", Flags: Startable | Recoverable},
	Status{Value: string(ColoringProcessing), Display: "Processing", Flags: Recoverable},
	Status{Value: string(ColoringRunpodSubmitting), Display: "Submitting to generator", Flags: Recoverable},
	Status{Value: string(ColoringRunpodSubmitted), Display: "Submitted to generator", Flags: Recoverable},
	Status{Value: string(ColoringRunpodQueued), Display: "Queued at generator", Flags: Recoverable | AwaitingExternal},
	Status{Value: string(ColoringRunpodProcessing), Display: "Generating", Flags: Recoverable | AwaitingExternal},
	Status{Value: string(ColoringRunpodCompleted), Display: "Generated", Flags: Recoverable},
	Status{Value: string(ColoringStorageUpload), Display: "Uploading", Flags: Recoverable},
	Status{Value: string(ColoringCompleted), Display: "Completed", Flags: Final},
	Status{Value: string(ColoringError), Display: "Error", Flags: Final | Retryable},
	Status{Value: string(ColoringRunpodCancelled), Display: "Cancelled", Flags: Final},
)
