// Package metrics computes point-in-time statistics over the event population.
package metrics

import (
	"math"
	"time"

	"github.com/zoff-tech/corporate-actions/schema"
)

// Snapshot is the dashboard view of the event population.
type Snapshot struct {
	TotalEvents                  int                      `json:"total_events"`
	EventsByType                 map[schema.EventType]int `json:"events_by_type"`
	EventsByStatus               map[schema.Status]int    `json:"events_by_status"`
	RecentEvents1h               int                      `json:"recent_events_1h"`
	RecentEvents24h              int                      `json:"recent_events_24h"`
	AverageProcessingTimeSeconds *float64                 `json:"average_processing_time_seconds"`
	ErrorRate                    float64                  `json:"error_rate"`
}

// Aggregate computes a Snapshot from a single listing of events. An event
// counts towards ErrorRate only once it is FAILED with retries exhausted.
func Aggregate(events []*schema.CorporateActionEvent, now time.Time, maxRetries int) Snapshot {
	snap := Snapshot{
		TotalEvents:    len(events),
		EventsByType:   make(map[schema.EventType]int, len(schema.EventTypes)),
		EventsByStatus: make(map[schema.Status]int, len(schema.Statuses)),
	}
	for _, t := range schema.EventTypes {
		snap.EventsByType[t] = 0
	}
	for _, s := range schema.Statuses {
		snap.EventsByStatus[s] = 0
	}

	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	var (
		terminalFailed int
		completed      int
		processing     time.Duration
	)
	for _, e := range events {
		snap.EventsByType[e.EventType]++
		snap.EventsByStatus[e.Status]++

		if !e.CreatedAt.Before(hourAgo) {
			snap.RecentEvents1h++
		}
		if !e.CreatedAt.Before(dayAgo) {
			snap.RecentEvents24h++
		}

		switch {
		case e.Status == schema.StatusFailed && e.IsTerminal(maxRetries):
			terminalFailed++
		case e.Status == schema.StatusCompleted:
			completed++
			processing += e.UpdatedAt.Sub(e.CreatedAt)
		}
	}

	if completed > 0 {
		avg := processing.Seconds() / float64(completed)
		snap.AverageProcessingTimeSeconds = &avg
	}
	if snap.TotalEvents > 0 {
		snap.ErrorRate = round(float64(terminalFailed)/float64(snap.TotalEvents), 4)
	}
	return snap
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
