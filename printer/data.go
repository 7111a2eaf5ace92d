package printer

import (
	"maps"
	"slices"
)

// Data is a snapshot of the host state, pushed to clients.
type Data struct {
	State              string            `json:"state"`
	Error              string            `json:"error,omitempty"`
	Flags              Flags             `json:"flags"`
	Printer            string            `json:"printer,omitempty"`
	Profile            string            `json:"profile,omitempty"`
	Firmware           string            `json:"firmware,omitempty"`
	FirmwareUpdate     string            `json:"firmwareUpdate,omitempty"`
	Filament           string            `json:"filament,omitempty"`
	Job                *SelectedFile     `json:"job"`
	Progress           Progress          `json:"progress"`
	Temperature        Temperature       `json:"temperature"`
	Position           Position          `json:"position"`
	Clients            int               `json:"clients"`
	StorageFiles       []StorageFile     `json:"storageFiles,omitempty"`
	Messages           []string          `json:"messages,omitempty"`
	RegisteredMessages map[string]string `json:"registeredMessages,omitempty"`
}

// CurrentData returns a snapshot of the host state. It never blocks on the device.
func (p *Printer) CurrentData() Data {
	state := p.comm.State()
	data := Data{
		State:        p.comm.StateText(),
		Error:        p.comm.ErrorValue(),
		Flags:        state.Flags(p.comm.SDReady()),
		Job:          p.Job(),
		Progress:     p.Progress(),
		StorageFiles: p.comm.StorageFiles(),
	}
	if state.IsOperational() {
		data.Printer = p.comm.PrinterName()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	data.Profile = p.profile.ID
	data.Firmware = p.firmware
	data.FirmwareUpdate = p.firmwareUpdate
	data.Filament = p.filament
	data.Temperature = p.temperature
	data.Position = p.position
	data.Clients = len(p.clients)
	data.Messages = slices.Clone(p.messages)
	data.RegisteredMessages = maps.Clone(p.registered)
	return data
}
