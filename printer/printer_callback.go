package printer

import (
	"context"

	"github.com/fornellas/slogxt/log"
)

func (p *Printer) OnStateChange(ctx context.Context, from, to State) {
	switch {
	case to.IsOperational():
		p.connectionMonitor.Stop()
	case to.IsError():
		p.statusMonitor.Stop()
		if p.clientCount() > 0 {
			p.connectionMonitor.Start(p.ctx)
		}
	}
}

func (p *Printer) OnMessage(ctx context.Context, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	if len(p.messages) > messagesSize {
		p.messages = p.messages[len(p.messages)-messagesSize:]
	}
}

func (p *Printer) OnRegisteredMessage(ctx context.Context, key, message string) {
	log.MustLogger(ctx).Debug("Registered message", "key", key, "message", message)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered[key] = message
}

// OnTemperatureUpdate ignores readings lower than the last one while heating, which come from
// sensor noise.
func (p *Printer) OnTemperatureUpdate(ctx context.Context, current, target float64) {
	heating := p.comm.State() == StateHeating
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setTemperatureLocked(current, heating)
	if target > 0 {
		p.temperature.Target = &target
	} else {
		p.temperature.Target = nil
	}
}

func (p *Printer) OnPositionUpdate(ctx context.Context, position Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
}

func (p *Printer) OnStorageStateChange(ctx context.Context, ready bool) {
	log.MustLogger(ctx).Info("Storage state changed", "ready", ready)
}

// OnForceDisconnect disconnects on a separate goroutine, as it is called from the goroutines
// Disconnect waits for.
func (p *Printer) OnForceDisconnect(ctx context.Context) {
	go func() {
		if err := p.Disconnect(p.ctx); err != nil {
			log.MustLogger(p.ctx).Warn("Forced disconnect failed", "err", err)
		}
	}()
}
