package printer

import (
	"context"

	"github.com/fornellas/printhost/driver"
)

// Position of the tool head, in mm.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Callback receives updates from a Comm. Methods are called from the Comm goroutines and must
// not call back into Comm while holding locks Comm callers may hold.
type Callback interface {
	OnStateChange(ctx context.Context, from, to State)
	// OnProgress reports completion of a print streamed from the device storage, from 0 to 1.
	OnProgress(ctx context.Context, completion float64)
	OnProgressStatus(ctx context.Context, status driver.ProgressStatus)
	// OnFileSelected reports a file selected on the device storage. name is empty when the
	// selection failed.
	OnFileSelected(ctx context.Context, name string, size int64)
	OnMessage(ctx context.Context, message string)
	OnRegisteredMessage(ctx context.Context, key, message string)
	OnTemperatureUpdate(ctx context.Context, current, target float64)
	OnPositionUpdate(ctx context.Context, position Position)
	OnStorageStateChange(ctx context.Context, ready bool)
	// OnPreparationProgress reports transfer and heating progress, from 0 to 1.
	OnPreparationProgress(ctx context.Context, progress float64)
	OnResetPrintProgress(ctx context.Context)
	OnPrintJobDone(ctx context.Context)
	// OnForceDisconnect asks for the connection to be closed. It must not block.
	OnForceDisconnect(ctx context.Context)
}
