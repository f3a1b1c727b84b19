package ingest

import "testing"

func TestExplode(t *testing.T) {
	tests := []struct {
		name         string
		start, end   uint64
		restorePoint uint64
		wantLen      int
		wantFirstEnd uint64
		wantLastEnd  uint64
	}{
		{"single restore-point-aligned chunk", 1, 2048, 2048, 1, 2048, 2048},
		{"range shorter than restore point", 1, 10, 2048, 1, 10, 10},
		{"multi-chunk range", 14273, 7530327, 2048, 0, 14336, 7530327},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Explode(tt.start, tt.end, tt.restorePoint)
			if len(got) == 0 {
				t.Fatalf("Explode(%d,%d,%d) returned no chunks", tt.start, tt.end, tt.restorePoint)
			}
			if tt.wantLen > 0 && len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].End != tt.wantFirstEnd {
				t.Fatalf("first chunk end = %d, want %d", got[0].End, tt.wantFirstEnd)
			}
			if last := got[len(got)-1].End; last != tt.wantLastEnd {
				t.Fatalf("last chunk end = %d, want %d", last, tt.wantLastEnd)
			}
			if got[0].Start != tt.start {
				t.Fatalf("first chunk start = %d, want %d", got[0].Start, tt.start)
			}

			// Every interior boundary must be a multiple of the restore
			// point, and chunks must tile [start, end] with no gaps or
			// overlaps.
			for i, c := range got {
				if i > 0 && c.Start != got[i-1].End+1 {
					t.Fatalf("chunk %d starts at %d, want %d", i, c.Start, got[i-1].End+1)
				}
				if i < len(got)-1 && c.End%tt.restorePoint != 0 {
					t.Fatalf("interior boundary %d is not a multiple of %d", c.End, tt.restorePoint)
				}
			}
		})
	}
}

func TestExplodeEmptyRange(t *testing.T) {
	if got := Explode(5, 4, 2048); got != nil {
		t.Fatalf("Explode with start > end = %v, want nil", got)
	}
}
