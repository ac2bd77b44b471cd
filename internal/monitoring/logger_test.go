package monitoring

import (
	"fmt"
	"log"
	"testing"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(log.Printf)

	var got string
	SetLogger(func(format string, v ...any) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("generation %d", 3)
	if got != "generation 3" {
		t.Errorf("custom logger got %q", got)
	}

	// nil mutes output rather than panicking.
	got = ""
	SetLogger(nil)
	Logf("dropped")
	if got != "" {
		t.Errorf("muted logger still wrote %q", got)
	}
}

func TestTagged(t *testing.T) {
	defer SetLogger(log.Printf)

	var got string
	SetLogger(func(format string, v ...any) {
		got = fmt.Sprintf(format, v...)
	})
	logf := Tagged("optimize")
	logf("best=%.1f", 1.5)
	if want := "[optimize] best=1.5"; got != want {
		t.Errorf("Tagged() wrote %q, want %q", got, want)
	}
}

func TestLogf_Default(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()
	Logf("test message: %s", "value")
}
