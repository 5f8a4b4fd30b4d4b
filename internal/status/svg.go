package status

// SvgStatus is the per-SvgVersion state machine (spec.md §4.1/§4.5.4).
type SvgStatus string

const (
	SvgPending              SvgStatus = "pending"
	SvgQueued               SvgStatus = "queued"
	SvgProcessing           SvgStatus = "processing"
	SvgVectorizerProcessing SvgStatus = "vectorizer_processing"
	SvgVectorizerCompleted  SvgStatus = "vectorizer_completed"
	SvgStorageUpload        SvgStatus = "storage_upload"
	SvgCompleted            SvgStatus = "completed"
	SvgError                SvgStatus = "error"
)

// Svg is the immutable registry for SvgStatus.
var Svg = NewRegistry(
	Status{Value: string(SvgPending), Display: "Pending", Flags: Startable | Recoverable},
	Status{Value: string(SvgQueued), Display: "Queued", Flags: Startable | Recoverable},
	Status{Value: string(SvgProcessing), Display: "Processing", Flags: Recoverable},
	Status{Value: string(SvgVectorizerProcessing), Display: "Vectorizing", Flags: Recoverable | AwaitingExternal},
	Status{Value: string(SvgVectorizerCompleted), Display: "Vectorized", Flags: Recoverable},
	Status{Value: string(SvgStorageUpload), Display: "Uploading", Flags: Recoverable},
	Status{Value: string(SvgCompleted), Display: "Completed", Flags: Final},
	Status{Value: string(SvgError), Display: "Error", Flags: Final | Retryable},
)
