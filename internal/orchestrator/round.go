package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/stouffer-labs/topside/internal/domain"
)

// round collects one utterance's transcript state: finalized segments
// plus the latest partial text used as a fallback when nothing
// finalized. Segments are append-only with monotonically increasing ids.
type round struct {
	mu       sync.Mutex
	number   int
	segments []domain.Segment
	partial  string
	nextID   int
}

func newRound(number int) *round {
	return &round{number: number}
}

func (r *round) setPartial(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial = text
}

func (r *round) addSegment(text string) domain.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	seg := domain.Segment{ID: r.nextID, Text: text, At: time.Now()}
	r.segments = append(r.segments, seg)
	return seg
}

// transcript joins finalized segments in arrival order; when nothing
// finalized it falls back to the last partial text.
func (r *round) transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.segments) == 0 {
		return strings.TrimSpace(r.partial)
	}
	parts := make([]string, 0, len(r.segments))
	for _, seg := range r.segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
