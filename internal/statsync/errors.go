package statsync

import (
	"errors"
	"strings"
)

var (
	// ErrQueueClosed is returned by Dequeue after Close.
	ErrQueueClosed = errors.New("sync queue closed")
	// ErrAnomaly indicates stored data that violates an aggregate invariant
	// (negative score, implausibly low score with facts present). Anomalies
	// are repaired by recompute, never surfaced to collaborators.
	ErrAnomaly = errors.New("aggregate anomaly")
)

// AnomalyError tags an error as an aggregate anomaly.
func AnomalyError(msg string) error {
	return errors.Join(ErrAnomaly, errors.New(strings.TrimSpace(msg)))
}
