package shell

import (
	"errors"
	"testing"
)

func TestOptionsWithDefaults(t *testing.T) {
	got := Options{}.withDefaults()
	if got.Term != "xterm-256color" || got.Cols != 80 || got.Rows != 24 {
		t.Fatalf("unexpected defaults: %+v", got)
	}

	got = Options{Term: "vt100", Cols: 120, Rows: 40}.withDefaults()
	if got.Term != "vt100" || got.Cols != 120 || got.Rows != 40 {
		t.Fatalf("expected explicit options to be preserved, got %+v", got)
	}
}

func TestCauseString(t *testing.T) {
	if causeString(nil) != "" {
		t.Fatal("expected empty string for nil cause")
	}
	if causeString(errors.New("boom")) != "boom" {
		t.Fatal("expected cause message to pass through")
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	c := &Channel{session: nil}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error on first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
	if !c.Closed() {
		t.Fatal("expected Closed() to report true after Close")
	}
}
