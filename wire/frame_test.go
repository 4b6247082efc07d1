package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(7, 3, "lf_schedule", 42)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != FrameSize {
		t.Fatalf("encoded frame is %d bytes, want %d", buf.Len(), FrameSize)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
	if got.HookID() != "lf_schedule" {
		t.Fatalf("HookID() = %q, want %q", got.HookID(), "lf_schedule")
	}
}

func TestNewFrameHookIDTooLong(t *testing.T) {
	long := make([]byte, HookIDSize)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := NewFrame(0, 0, string(long), 0); err == nil {
		t.Fatal("expected error for oversized hook id")
	}
}

func TestStartupSentinel(t *testing.T) {
	f := NewStartupFrame(11)
	if !f.IsStartup() {
		t.Fatal("NewStartupFrame should produce a startup frame")
	}
	if f.PrecedenceID != 11 {
		t.Fatalf("PrecedenceID = %d, want 11", f.PrecedenceID)
	}

	other, err := NewFrame(0, 0, "notstartup", 0)
	if err != nil {
		t.Fatal(err)
	}
	if other.IsStartup() {
		t.Fatal("ordinary frame should not look like a startup sentinel")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadFrameShort(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(make([]byte, FrameSize-1)))
	if err == nil {
		t.Fatal("expected error for short frame")
	}
}
