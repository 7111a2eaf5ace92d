package printer

import "errors"

var (
	ErrNotConnected   = errors.New("printer: not connected")
	ErrNoClients      = errors.New("printer: no clients attached")
	ErrBusy           = errors.New("printer: connection busy with a job")
	ErrNoFileSelected = errors.New("printer: no file selected")
	ErrNotOperational = errors.New("printer: not operational")
	ErrNotPrinting    = errors.New("printer: no print running")
	ErrNoFirmware     = errors.New("printer: no firmware image for the printer")
)
