package mutator_test

import (
	"bytes"
	"math/bits"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/mutator"
)

func bitDiff(a, b []byte) int {
	n := 0
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}

	return n
}

func TestBitFlipExactlyOneBitDiffers(t *testing.T) {
	t.Parallel()

	base := []byte{0x00, 0xFF, 0x5A}
	m := mutator.NewBitFlip()

	for k := 0; k < 8*len(base); k++ {
		out := m.Next(base)

		if len(out) != len(base) {
			t.Fatalf("iteration %d: length changed: %d", k, len(out))
		}

		if d := bitDiff(base, out); d != 1 {
			t.Fatalf("iteration %d: %d bits differ, want 1", k, d)
		}

		// Bit k mod n*8 is the one flipped; bit 0 is the low bit of
		// byte 0.
		if out[k/8]^base[k/8] != 1<<uint(k%8) {
			t.Fatalf("iteration %d: wrong bit flipped", k)
		}
	}
}

func TestBitFlipRoundTrip(t *testing.T) {
	t.Parallel()

	base := []byte{0xA5, 0x3C}
	m := mutator.NewBitFlip()

	for k := 0; k < 8*len(base)-1; k++ {
		m.Next(base)

		if m.Rollover() {
			t.Fatalf("iteration %d: rolled over early", k)
		}
	}

	m.Next(base)

	if !m.Rollover() {
		t.Fatal("no rollover after 8*len(base) iterations")
	}

	if m.Pos() != 0 {
		t.Fatalf("cursor did not return to 0: %d", m.Pos())
	}

	// The next pass repeats the same sequence from bit 0.
	out := m.Next(base)
	if out[0]^base[0] != 0x01 {
		t.Fatal("second pass did not restart at bit 0")
	}
}

func TestBitFlipEmptyInput(t *testing.T) {
	t.Parallel()

	m := mutator.NewBitFlip()

	if out := m.Next(nil); len(out) != 0 {
		t.Fatalf("mutator grew an empty input: %d bytes", len(out))
	}

	if !m.Rollover() {
		t.Fatal("empty input must roll over immediately")
	}
}

func TestRandomByteChangesAtMostOneByte(t *testing.T) {
	t.Parallel()

	base := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	m := mutator.NewRandomByte(42)

	for i := 0; i < 1000; i++ {
		out := m.Next(base)

		if len(out) != len(base) {
			t.Fatalf("length changed: %d", len(out))
		}

		diff := 0

		for j := range out {
			if out[j] != base[j] {
				diff++
			}
		}

		// The chosen value may equal the byte already there.
		if diff > 1 {
			t.Fatalf("iteration %d: %d bytes differ, want at most 1", i, diff)
		}
	}

	if m.Rollover() {
		t.Fatal("random overwrite must never roll over")
	}
}

func TestRandomByteReproducible(t *testing.T) {
	t.Parallel()

	base := []byte{9, 9, 9, 9}
	a := mutator.NewRandomByte(7)
	b := mutator.NewRandomByte(7)

	for i := 0; i < 100; i++ {
		if !bytes.Equal(a.Next(base), b.Next(base)) {
			t.Fatalf("iteration %d: same seed diverged", i)
		}
	}
}
