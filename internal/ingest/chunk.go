package ingest

import "github.com/rawblock/clientprint/pkg/models"

// Explode partitions [start, end] into an ordered sequence of closed
// chunks aligned to the upstream's restore-point cadence.
// Starting from start, each chunk ends at the least b such that
// b == end or b is the next multiple of restorePoint at or above start.
func Explode(start, end, restorePoint uint64) []models.SyncGap {
	if start > end {
		return nil
	}

	var chunks []models.SyncGap
	cur := start
	for cur <= end {
		boundary := nextMultiple(cur, restorePoint)
		if boundary > end {
			boundary = end
		}
		chunks = append(chunks, models.SyncGap{Start: cur, End: boundary})
		if boundary == end {
			break
		}
		cur = boundary + 1
	}
	return chunks
}

// nextMultiple returns the least b >= cur such that b mod m == 0,
// i.e. ceil(cur/m) * m. When cur is itself a multiple of m, it maps to
// itself (the least such b is cur).
func nextMultiple(cur, m uint64) uint64 {
	if m == 0 {
		return cur
	}
	return ((cur + m - 1) / m) * m
}
