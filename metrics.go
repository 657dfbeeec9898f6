package main

import (
	"context"
	"log"
	"time"
)

// RunMetrics logs a periodic snapshot of registry occupancy until ctx is
// canceled, the way the teacher's metrics.go logs connection/datagram
// counts on a ticker.
func RunMetrics(ctx context.Context, reg *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rooms := reg.ListRooms()
			live, listeners := 0, 0
			for _, room := range rooms {
				if room.IsLive() {
					live++
				}
				listeners += room.ListenerCount()
			}
			if len(rooms) > 0 {
				log.Printf("[metrics] rooms=%d live=%d listeners=%d", len(rooms), live, listeners)
			}
		}
	}
}
