package axiom

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/tools/txtar"

	"github.com/lf-rti-testbed/ordserv/internal/conninfo"
)

func tag(t int64, m uint64) conninfo.Tag { return conninfo.Tag{Time: t, Microstep: m} }

func TestEventKindStringRoundTrip(t *testing.T) {
	for k := RecvFedId; k <= RecvLtc; k++ {
		got, err := ParseEventKind(k.String())
		if err != nil || got != k {
			t.Fatalf("round trip broken for %v: %v, %v", k, got, err)
		}
	}
}

func straightLineTrace() []ConcEvent {
	const fed = conninfo.FedId(0)
	return []ConcEvent{
		{Event: RecvFedId, Tag: tag(0, 0), FedID: fed, OgRank: 0},
		{Event: SendAck, Tag: tag(0, 0), FedID: fed, OgRank: 1},
		{Event: RecvTimestamp, Tag: tag(0, 0), FedID: fed, OgRank: 2},
		{Event: SendTimestamp, Tag: tag(0, 0), FedID: fed, OgRank: 3},
		{Event: RecvNet, Tag: tag(0, 0), FedID: fed, OgRank: 4},
		{Event: RecvLtc, Tag: tag(10, 0), FedID: fed, OgRank: 5},
	}
}

func TestFromRealizableTraceNoViolation(t *testing.T) {
	ci := conninfo.New()
	ci.Set(0, 0, conninfo.ZeroDelay)

	trace := straightLineTrace()
	always := map[OgRank]struct{}{0: {}, 1: {}, 2: {}, 3: {}, 4: {}, 5: {}}

	uses, unperm, err := FromRealizableTrace(trace, DefaultAxioms(), always, ci)
	if err != nil {
		t.Fatalf("unexpected violation: %v", err)
	}
	if uses["recvfedid-before-sendack"] == 0 {
		t.Fatal("expected recvfedid-before-sendack rule to have fired")
	}
	if uses["ltc-closes-net"] == 0 {
		t.Fatal("expected ltc-closes-net rule to have fired")
	}

	perm := unperm.PrecedingPermutablesByOgRank()
	if len(perm) != len(trace) {
		t.Fatalf("len(perm) = %d, want %d", len(perm), len(trace))
	}
	if len(perm[5]) != 0 {
		t.Fatalf("fully-ordered chain should leave no permutable predecessors for ogrank 5, got %v", perm[5])
	}
}

func TestFromRealizableTraceDetectsViolation(t *testing.T) {
	ci := conninfo.New()
	ci.Set(0, 0, conninfo.ZeroDelay)

	const fed = conninfo.FedId(0)
	trace := []ConcEvent{
		{Event: RecvLtc, Tag: tag(10, 0), FedID: fed, OgRank: 0},
		{Event: RecvLtc, Tag: tag(5, 0), FedID: fed, OgRank: 1},
	}
	always := map[OgRank]struct{}{0: {}, 1: {}}

	_, _, err := FromRealizableTrace(trace, DefaultAxioms(), always, ci)
	if err == nil {
		t.Fatal("expected a violation: LTC tags must be monotonic per federate")
	}
}

// TestFromRealizableTraceSecondQualifyingNetIsNotAViolation checks that a
// federate receiving a second, later NET at or above its already-granted tag
// - after it has already sent that TAG - does not trip ViolationError. Only
// the first qualifying NET anchors "tag-or-ptag-needs-high-enough-net"
// (IsFirstForFederate); evaluating every occurrence of the underlying
// relation instead would make this second, perfectly legal NET satisfy
// Preceding(laterNet, sendTag) and wrongly report the trace as unrealizable.
// Federate 1 is a zero-delay upstream of federate 0: the rule only applies to
// a TAG of a federate that has an upstream with delay ≤ the TAG's tag.
func TestFromRealizableTraceSecondQualifyingNetIsNotAViolation(t *testing.T) {
	ci := conninfo.New()
	ci.Set(0, 0, conninfo.ZeroDelay)
	ci.Set(1, 0, conninfo.ZeroDelay)

	const fed = conninfo.FedId(0)
	trace := []ConcEvent{
		{Event: RecvNet, Tag: tag(5, 0), FedID: fed, OgRank: 0},
		{Event: SendTag, Tag: tag(5, 0), FedID: fed, OgRank: 1},
		{Event: RecvNet, Tag: tag(5, 0), FedID: fed, OgRank: 2},
	}
	always := map[OgRank]struct{}{0: {}, 1: {}, 2: {}}

	uses, _, err := FromRealizableTrace(trace, DefaultAxioms(), always, ci)
	if err != nil {
		t.Fatalf("second qualifying NET after TAG send wrongly reported as a violation: %v", err)
	}
	if uses["tag-or-ptag-needs-high-enough-net"] == 0 {
		t.Fatal("expected tag-or-ptag-needs-high-enough-net to have fired on the first NET")
	}
}

// TestFromRealizableTraceWithTxtarConnInfoFixture packs the root
// conninfo.txt and a per-federate conninfo_<k>.txt override
// (internal/conninfo.LoadDir's multi-file overlay) into a single txtar
// archive, so an axiom-evaluator fixture - topology plus the trace it
// governs - can travel as one file instead of a directory of loose ones.
func TestFromRealizableTraceWithTxtarConnInfoFixture(t *testing.T) {
	archive := txtar.Parse([]byte(`
-- conninfo.txt --
2
0 0
1 1 0 5
-- conninfo_override.txt --
1
1 1 0 7
`))

	dir := t.TempDir()
	for _, f := range archive.Files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			t.Fatalf("writing fixture file %s: %v", f.Name, err)
		}
	}

	ci, err := conninfo.LoadDir(dir)
	if err != nil {
		t.Fatalf("conninfo.LoadDir: %v", err)
	}
	if d, ok := ci.DelayOf(0, 1); !ok || d != conninfo.Delay(7) {
		t.Fatalf("DelayOf(0, 1) = %v, %v - want the conninfo_override.txt value 7, not conninfo.txt's 5", d, ok)
	}

	trace := straightLineTrace()
	always := map[OgRank]struct{}{0: {}, 1: {}, 2: {}, 3: {}, 4: {}, 5: {}}
	if _, _, err := FromRealizableTrace(trace, DefaultAxioms(), always, ci); err != nil {
		t.Fatalf("unexpected violation against fixture-loaded topology: %v", err)
	}
}

func TestRuleDescribe(t *testing.T) {
	rules := DefaultAxioms()
	if len(rules) == 0 {
		t.Fatal("expected a non-empty default axiom set")
	}
	for _, r := range rules {
		if r.Name == "" {
			t.Fatal("every rule should have a name")
		}
		if r.Describe() == "" {
			t.Fatalf("rule %s: empty Describe()", r.Name)
		}
	}
}
