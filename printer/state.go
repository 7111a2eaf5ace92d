package printer

import "fmt"

// State of the connection with the device.
type State int

const (
	StateClosed State = iota
	StateClosedWithError
	StateError
	StateConnecting
	StateOperational
	StateTransferringFile
	StateHeating
	StatePrinting
	StatePaused
	StateResuming
	StateShutdown
)

var stateNames = map[State]string{
	StateClosed:           "Closed",
	StateClosedWithError:  "ClosedWithError",
	StateError:            "Error",
	StateConnecting:       "Connecting",
	StateOperational:      "Operational",
	StateTransferringFile: "TransferringFile",
	StateHeating:          "Heating",
	StatePrinting:         "Printing",
	StatePaused:           "Paused",
	StateResuming:         "Resuming",
	StateShutdown:         "Shutdown",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	panic(fmt.Sprintf("bug: unknown State: %d", int(s)))
}

// Text returns the human readable state. cause is the error that led to an error state.
func (s State) Text(cause string) string {
	switch s {
	case StateClosed:
		return "Disconnected"
	case StateClosedWithError, StateError:
		return "Error: " + cause
	case StateConnecting:
		return "Connecting"
	case StateOperational:
		return "Ready"
	case StateTransferringFile:
		return "Transferring"
	default:
		return s.String()
	}
}

func (s State) IsOperational() bool {
	switch s {
	case StateOperational, StateTransferringFile, StateHeating, StatePrinting, StatePaused,
		StateResuming, StateShutdown:
		return true
	}
	return false
}

func (s State) IsClosedOrError() bool {
	return s == StateClosed || s == StateClosedWithError || s == StateError
}

func (s State) IsError() bool {
	return s == StateClosedWithError || s == StateError
}

// IsBusy is true while a job is running on the device, in which case the connection must not be
// replaced.
func (s State) IsBusy() bool {
	switch s {
	case StateTransferringFile, StateHeating, StatePrinting, StatePaused, StateResuming, StateShutdown:
		return true
	}
	return false
}

// Flags are boolean views over the state.
type Flags struct {
	Operational   bool `json:"operational"`
	Printing      bool `json:"printing"`
	ClosedOrError bool `json:"closedOrError"`
	Error         bool `json:"error"`
	Paused        bool `json:"paused"`
	Ready         bool `json:"ready"`
	Transferring  bool `json:"transferring"`
	SDReady       bool `json:"sdReady"`
	Heating       bool `json:"heating"`
	Shutdown      bool `json:"shutdown"`
	Resuming      bool `json:"resuming"`
}

func (s State) Flags(sdReady bool) Flags {
	return Flags{
		Operational:   s.IsOperational(),
		Printing:      s == StatePrinting,
		ClosedOrError: s.IsClosedOrError(),
		Error:         s.IsError(),
		Paused:        s == StatePaused,
		Ready:         s == StateOperational,
		Transferring:  s == StateTransferringFile,
		SDReady:       sdReady,
		Heating:       s == StateHeating,
		Shutdown:      s == StateShutdown,
		Resuming:      s == StateResuming,
	}
}
