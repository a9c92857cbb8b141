package replay

// Stats counts what a replay did.
type Stats struct {
	Lines     int
	Malformed int
	Frames    int

	// Known counts lines resolved from the current cache.
	Known int
	// Matches counts layers recognised by the match mode, either carried
	// over from the previous epoch or renamed within the current one.
	Matches int
	// Allocations counts new layers.
	Allocations int
	// Clones counts primary layers cloned onto another display.
	Clones int
	// Inconsistent counts cached layers whose buffer geometry disagreed
	// with the trace.
	Inconsistent int

	Segments []Segment
}

// Degraded returns the segments that matched nothing.
func (s Stats) Degraded() []Segment {
	var out []Segment
	for _, seg := range s.Segments {
		if seg.Degraded() {
			out = append(out, seg)
		}
	}
	return out
}

// MatchRatio returns allocations per match, or the allocation count when
// nothing matched.
func (s Stats) MatchRatio() float64 {
	if s.Matches == 0 {
		return float64(s.Allocations)
	}
	return float64(s.Allocations) / float64(s.Matches)
}

// Segment is the part of a trace between two sentinel lines.
type Segment struct {
	Index        int
	Frames       int
	Matches      int
	Allocations  int
	Clones       int
	Inconsistent int
	// Misses counts lines that were matched against a non-empty previous
	// cache without success.
	Misses int
}

// Degraded reports a segment where reconciliation was attempted but never
// succeeded; the match mode does not suit the trace.
func (s Segment) Degraded() bool {
	return s.Misses > 0 && s.Matches == 0
}
