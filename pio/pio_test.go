package pio_test

import (
	"testing"

	"github.com/smallkirby/zvm/pio"
)

// recorder notes which device serviced a dispatch.
type recorder struct {
	name string
	hits *[]string
}

func (r recorder) In(port uint64, data []byte) error {
	*r.hits = append(*r.hits, r.name+":in")

	return nil
}

func (r recorder) Out(port uint64, data []byte) error {
	*r.hits = append(*r.hits, r.name+":out")

	return nil
}

func TestFirstMatchWins(t *testing.T) {
	t.Parallel()

	var hits []string

	var reg pio.Registry
	reg.Add(0x3F8, 0x3FF, recorder{name: "com1", hits: &hits})
	reg.Add(0x0000, 0xFFFF, recorder{name: "catchall", hits: &hits})

	buf := make([]byte, 1)

	if err := reg.In(0x3F8, buf); err != nil {
		t.Fatalf("In(0x3F8): got %v, want nil", err)
	}

	if err := reg.Out(0xCF8, buf); err != nil {
		t.Fatalf("Out(0xCF8): got %v, want nil", err)
	}

	if len(hits) != 2 || hits[0] != "com1:in" || hits[1] != "catchall:out" {
		t.Fatalf("dispatch order: got %v, want [com1:in catchall:out]", hits)
	}
}

func TestUnmatchedPortIsNoOp(t *testing.T) {
	t.Parallel()

	var hits []string

	var reg pio.Registry
	reg.Add(0x60, 0x64, recorder{name: "ps2", hits: &hits})

	buf := []byte{0xAA}

	if err := reg.In(0x70, buf); err != nil {
		t.Fatalf("In(unmatched): got %v, want nil", err)
	}

	if err := reg.Out(0x70, buf); err != nil {
		t.Fatalf("Out(unmatched): got %v, want nil", err)
	}

	if len(hits) != 0 {
		t.Fatalf("unmatched port reached a device: %v", hits)
	}

	if buf[0] != 0xAA {
		t.Fatalf("unmatched In mutated the buffer: got %#x, want 0xAA", buf[0])
	}
}
