package graphidx

import (
	"testing"
	"time"

	"github.com/statabridge/server/internal/exectypes"
)

func withFixedClock(t *testing.T, at time.Time) {
	prev := timeNow
	timeNow = func() time.Time { return at }
	t.Cleanup(func() { timeNow = prev })
}

func TestParseDetectedExtractsNameAndPath(t *testing.T) {
	withFixedClock(t, time.Unix(0, 0))
	log := "*** Execution started\n. scatter y x\nGRAPHS DETECTED:\ngraph1\t/home/u/ws/graphs/graph1.png\n\n*** Execution ended\n"
	refs := ParseDetected(log)
	if len(refs) != 1 {
		t.Fatalf("expected 1 graph ref, got %d", len(refs))
	}
	if refs[0].Name != "graph1" || refs[0].AbsolutePath != "/home/u/ws/graphs/graph1.png" || refs[0].Sequence != 1 {
		t.Fatalf("unexpected ref: %+v", refs[0])
	}
}

func TestParseDetectedMultipleEntriesSequenced(t *testing.T) {
	withFixedClock(t, time.Unix(0, 0))
	log := "GRAPHS DETECTED:\ngraph1\t/a/graph1.png\ngraph2\t/a/graph2.png\n"
	refs := ParseDetected(log)
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}
	if refs[0].Sequence != 1 || refs[1].Sequence != 2 {
		t.Fatalf("expected sequential numbering, got %d and %d", refs[0].Sequence, refs[1].Sequence)
	}
}

func TestParseDetectedNormalizesBackslashes(t *testing.T) {
	withFixedClock(t, time.Unix(0, 0))
	log := "GRAPHS DETECTED:\ngraph1\tC:\\ws\\graphs\\graph1.png\n"
	refs := ParseDetected(log)
	if refs[0].AbsolutePath != "C:/ws/graphs/graph1.png" {
		t.Fatalf("expected forward slashes, got %q", refs[0].AbsolutePath)
	}
}

func TestParseDetectedNoBlockReturnsNil(t *testing.T) {
	if refs := ParseDetected("no graphs here\n"); refs != nil {
		t.Fatalf("expected nil, got %+v", refs)
	}
}

func TestFormatDetectedBlockRoundTrips(t *testing.T) {
	withFixedClock(t, time.Unix(0, 0))
	block := FormatDetectedBlock([]string{"graph1", "graph2"}, func(name string) string {
		return "/ws/graphs/" + name + ".png"
	})
	refs := ParseDetected(block)
	if len(refs) != 2 || refs[0].Name != "graph1" || refs[1].Name != "graph2" {
		t.Fatalf("round trip failed: %+v", refs)
	}
}

func TestRegistryReplaceSkipsNonSuccess(t *testing.T) {
	r := NewRegistry()
	r.Replace("s1", exectypes.StatusSuccess, []exectypes.GraphRef{{Name: "graph1"}})
	r.Replace("s1", exectypes.StatusError, []exectypes.GraphRef{{Name: "graph2"}})

	got := r.List("s1")
	if len(got) != 1 || got[0].Name != "graph1" {
		t.Fatalf("expected prior successful set preserved, got %+v", got)
	}
}

func TestRegistryReplaceIsSingleShot(t *testing.T) {
	r := NewRegistry()
	r.Replace("s1", exectypes.StatusSuccess, []exectypes.GraphRef{{Name: "graph1"}, {Name: "graph2"}})
	r.Replace("s1", exectypes.StatusSuccess, []exectypes.GraphRef{{Name: "graph3"}})

	got := r.List("s1")
	if len(got) != 1 || got[0].Name != "graph3" {
		t.Fatalf("expected registry replaced wholesale, got %+v", got)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Replace("s1", exectypes.StatusSuccess, []exectypes.GraphRef{{Name: "graph1", AbsolutePath: "/a/graph1.png"}})

	ref, ok := r.Lookup("s1", "graph1")
	if !ok || ref.AbsolutePath != "/a/graph1.png" {
		t.Fatalf("expected lookup hit, got %+v ok=%v", ref, ok)
	}
	if _, ok := r.Lookup("s1", "missing"); ok {
		t.Fatal("expected lookup miss for unknown name")
	}
}

func TestRegistryForget(t *testing.T) {
	r := NewRegistry()
	r.Replace("s1", exectypes.StatusSuccess, []exectypes.GraphRef{{Name: "graph1"}})
	r.Forget("s1")
	if got := r.List("s1"); len(got) != 0 {
		t.Fatalf("expected empty registry after forget, got %+v", got)
	}
}
