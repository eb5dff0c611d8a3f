package dictation

import "testing"

func final(text string) Result {
	return Result{Final: true, Alternatives: []TranscriptSegment{{Text: text}, {Text: "alt " + text}}}
}

func interim(text string) Result {
	return Result{Alternatives: []TranscriptSegment{{Text: text}}}
}

func TestFinalTranscriptConcatenatesFinalEntries(t *testing.T) {
	ev := ResultEvent{
		ResultIndex: 0,
		Results:     []Result{final("Hello "), final("world"), final("."), interim(" and more")},
	}
	if got := finalTranscript(ev); got != "Hello world." {
		t.Fatalf("unexpected transcript %q", got)
	}
}

func TestFinalTranscriptScansOnlyNewRange(t *testing.T) {
	ev := ResultEvent{
		ResultIndex: 2,
		Results:     []Result{final("already "), final("sent "), final("  fresh text  ")},
	}
	if got := finalTranscript(ev); got != "fresh text" {
		t.Fatalf("unexpected transcript %q", got)
	}
}

func TestFinalTranscriptIgnoresInterimAndBlank(t *testing.T) {
	cases := []ResultEvent{
		{Results: []Result{interim("maybe")}},
		{Results: []Result{final("   ")}},
		{Results: []Result{{Final: true}}},
		{ResultIndex: 5, Results: []Result{final("out of range")}},
	}
	for i, ev := range cases {
		if got := finalTranscript(ev); got != "" {
			t.Fatalf("case %d: expected nothing, got %q", i, got)
		}
	}
}

func TestAdapterForwardsOncePerEvent(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)
	rec := h.recs.last()

	rec.onResult(ResultEvent{Results: []Result{final("Hello "), final("world"), final("."), interim("pending")}})
	rec.onResult(ResultEvent{ResultIndex: 3, Results: []Result{final("Hello "), final("world"), final("."), interim("pending")}})
	h.host.drain()

	if len(h.texts) != 1 || h.texts[0] != "Hello world." {
		t.Fatalf("unexpected dictation %q", h.texts)
	}
	if h.c.State() != StateActive {
		t.Fatal("results must not stop the session")
	}
}

func TestAdapterForwardsFlushAfterStop(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)
	rec := h.recs.last()

	if err := h.c.Toggle(); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	rec.onResult(ResultEvent{Results: []Result{final("tail words")}})
	h.host.drain()

	if len(h.texts) != 1 || h.texts[0] != "tail words" {
		t.Fatalf("expected flushed text forwarded, got %q", h.texts)
	}
}
