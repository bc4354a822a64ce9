package refresher

import "hash/fnv"

// Bounds for synthetic scores recorded after failed fetches. Kept well below
// typical real scores so fallbacks never dominate the dataset.
const (
	fallbackFloor = 5
	fallbackCeil  = 40
)

// FallbackScore derives a deterministic placeholder score from the subject
// key, bounded to [5, 40]. Writing it with a current timestamp advances the
// pair's staleness clock, so a permanently failing subject is retried next
// cycle instead of every iteration.
func FallbackScore(subject string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	span := uint32(fallbackCeil - fallbackFloor + 1)
	return float64(fallbackFloor + h.Sum32()%span)
}
