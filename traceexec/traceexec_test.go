package traceexec

import (
	"testing"

	"github.com/lf-rti-testbed/ordserv/delay"
)

func TestParseHookMarkers(t *testing.T) {
	stdout := "starting up\n<<< recv_net >>>\nsome other line\n<<< send_tag >>>\n<<< recv_net >>>\n"
	counts := parseHookMarkers(stdout)

	if counts[delay.HookId("recv_net")] != 2 {
		t.Fatalf("recv_net count = %d, want 2", counts[delay.HookId("recv_net")])
	}
	if counts[delay.HookId("send_tag")] != 1 {
		t.Fatalf("send_tag count = %d, want 1", counts[delay.HookId("send_tag")])
	}
	if len(counts) != 2 {
		t.Fatalf("len(counts) = %d, want 2", len(counts))
	}
}

func TestParseHookMarkersIgnoresUnrelatedLines(t *testing.T) {
	counts := parseHookMarkers("nothing to see here\n")
	if len(counts) != 0 {
		t.Fatalf("expected no markers, got %v", counts)
	}
}

func TestCrashErrorMessage(t *testing.T) {
	err := &CrashError{ExitCode: 1, Stdout: "out", Stderr: "err"}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}
