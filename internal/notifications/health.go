package notifications

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

// Sender delivers one alert.
type Sender func(ctx context.Context, title, message string, tags ...string) error

// HealthAlerts turns monitoring frames into offline/recovered alerts. A
// device is reported offline after threshold consecutive failed polls and
// recovered on its next successful one.
type HealthAlerts struct {
	send      Sender
	threshold int

	mu       sync.Mutex
	failures map[string]int
	offline  map[string]bool
}

func NewHealthAlerts(send Sender, threshold int) *HealthAlerts {
	if threshold < 1 {
		threshold = 1
	}
	return &HealthAlerts{
		send:      send,
		threshold: threshold,
		failures:  map[string]int{},
		offline:   map[string]bool{},
	}
}

// Observe updates a device's streak from one frame and sends any alert it
// triggers.
func (h *HealthAlerts) Observe(ctx context.Context, f dispatch.Response) {
	if f.Device == "" {
		return
	}

	h.mu.Lock()
	var title, msg string
	var tags []string
	if f.Success {
		h.failures[f.Device] = 0
		if h.offline[f.Device] {
			h.offline[f.Device] = false
			title = fmt.Sprintf("%s recovered", f.Device)
			msg = fmt.Sprintf("Device %s is responding again.", f.Device)
			tags = []string{"white_check_mark"}
		}
	} else {
		h.failures[f.Device]++
		if h.failures[f.Device] == h.threshold && !h.offline[f.Device] {
			h.offline[f.Device] = true
			title = fmt.Sprintf("%s offline", f.Device)
			msg = fmt.Sprintf("Device %s failed %d consecutive polls: %s", f.Device, h.threshold, f.Error)
			tags = []string{"warning"}
		}
	}
	h.mu.Unlock()

	if title == "" {
		return
	}
	log.Warn().Str("device", f.Device).Str("alert", title).Msg("Device health changed")
	if h.send == nil {
		return
	}
	if err := h.send(ctx, title, msg, tags...); err != nil {
		log.Error().Err(err).Str("device", f.Device).Msg("Failed to send health alert")
	}
}

// Offline lists the devices currently reported offline.
func (h *HealthAlerts) Offline() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id, off := range h.offline {
		if off {
			out = append(out, id)
		}
	}
	return out
}

// Run observes frames until ctx is done or frames is closed.
func (h *HealthAlerts) Run(ctx context.Context, frames <-chan dispatch.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			h.Observe(ctx, f)
		}
	}
}
