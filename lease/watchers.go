package lease

import (
	"context"

	"github.com/timzifer/netlease/events"
)

// WatchConfig feeds configuration change notifications into the given
// coordinators until the context ends or the channel closes. Each coordinator
// filters by owner itself.
func WatchConfig(ctx context.Context, ch <-chan events.ConfigChanged, coordinators ...*Coordinator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for _, c := range coordinators {
				c.HandleConfigChanged(ev.Owner)
			}
		}
	}
}

// WatchSlotRemoval feeds slot removal notifications into the given
// coordinators until the context ends or the channel closes.
func WatchSlotRemoval(ctx context.Context, ch <-chan events.SlotRemoved, coordinators ...*Coordinator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for _, c := range coordinators {
				c.HandleSlotRemoved(ev.Slot)
			}
		}
	}
}
