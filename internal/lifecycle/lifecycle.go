// Package lifecycle turns platform app-state notifications into foreground and
// background transitions for the session owner.
package lifecycle

import (
	"context"
)

// Event is an app-state notification.
type Event int

const (
	Foreground Event = iota + 1
	Background
)

func (e Event) String() string {
	switch e {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	}
	return "unknown"
}

// Handler reacts to transitions.
type Handler interface {
	OnForeground(ctx context.Context)
	OnBackground(ctx context.Context)
}

// Pump forwards events to h until ctx is done or events is closed. Repeated
// events without a transition in between are dropped; the app starts in the
// foreground, so a leading Foreground is dropped as well.
func Pump(ctx context.Context, events <-chan Event, h Handler) {
	last := Foreground
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev == last {
				continue
			}
			switch ev {
			case Foreground:
				h.OnForeground(ctx)
			case Background:
				h.OnBackground(ctx)
			default:
				continue
			}
			last = ev
		}
	}
}
