package tracking

import (
	"time"

	"fleetwatch/internal/models"
)

// DefaultOfflineThreshold is how long a driver may stay silent before it
// is shown as offline.
const DefaultOfflineThreshold = 70 * time.Minute

// Classify derives the status to display for p at now. A driver whose last
// transmission (or, lacking one, last fix) is older than threshold, or
// can't be parsed, is OFFLINE. Otherwise the reported status is used, and
// an empty or unknown one reads as IDLE.
func Classify(p models.DriverPosition, now time.Time, threshold time.Duration) models.Status {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	seen, ok := p.LastSeen().Time()
	if !ok || now.Sub(seen) > threshold {
		return models.StatusOffline
	}
	if status, ok := models.ParseStatus(string(p.Status)); ok {
		return status
	}
	return models.StatusIdle
}
