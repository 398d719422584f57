package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stouffer-labs/topside/internal/domain"
)

func TestRoundTranscriptJoinsFinals(t *testing.T) {
	t.Parallel()

	r := newRound(1)
	r.setPartial("open the")
	r.addSegment("open the settings")
	r.setPartial("and then")
	r.addSegment("and then restart")

	if got := r.transcript(); got != "open the settings and then restart" {
		t.Fatalf("unexpected transcript: %q", got)
	}
}

func TestRoundTranscriptFallsBackToPartial(t *testing.T) {
	t.Parallel()

	r := newRound(1)
	r.setPartial("still talking")

	if got := r.transcript(); got != "still talking" {
		t.Fatalf("unexpected transcript: %q", got)
	}
}

func TestRoundTranscriptEmpty(t *testing.T) {
	t.Parallel()

	r := newRound(1)
	if got := r.transcript(); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}

	r.setPartial("   ")
	if got := r.transcript(); got != "" {
		t.Fatalf("whitespace partial should be empty, got %q", got)
	}
}

func TestRoundSegmentIDsIncrease(t *testing.T) {
	t.Parallel()

	r := newRound(1)
	var last domain.Segment
	for i := 0; i < 5; i++ {
		seg := r.addSegment(fmt.Sprintf("segment %d", i))
		if seg.ID <= last.ID {
			t.Fatalf("segment ids must increase: %d then %d", last.ID, seg.ID)
		}
		last = seg
	}
}

func TestRoundSkipsBlankSegments(t *testing.T) {
	t.Parallel()

	r := newRound(1)
	r.addSegment("hello")
	r.addSegment("   ")
	r.addSegment("world")

	if got := r.transcript(); got != "hello world" {
		t.Fatalf("unexpected transcript: %q", got)
	}
}
