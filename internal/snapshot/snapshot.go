// Package snapshot loads a captured guest memory image and its initial
// register state from a single pre-recorded file. Nothing here is ever
// written back to: its consumers (internal/nested, internal/fuzzloop) only
// ever read frames by reference.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const FrameSize = 4096

var (
	ErrTruncatedFile   = errors.New("snapshot: file size is not a whole number of frames")
	ErrEmptySnapshot   = errors.New("snapshot: file has no frames, only the metadata block")
	ErrFrameOutOfRange = errors.New("snapshot: frame number out of range")
)

// Store holds the frames of one snapshot file, mmap'd read-only so Frame
// never allocates or copies.
type Store struct {
	mem    []byte
	frames int
	regs   RegisterBlock
}

// Load reads path and maps its frames read-only. path's size must be an
// exact multiple of FrameSize plus one trailing metadata frame.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("snapshot: stat %s: %w", path, err)
	}

	size := info.Size()
	if size%FrameSize != 0 {
		return nil, ErrTruncatedFile
	}

	totalFrames := int(size / FrameSize)
	if totalFrames < 2 {
		return nil, ErrEmptySnapshot
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("snapshot: mmap %s: %w", path, err)
	}

	s := &Store{
		mem:    mem,
		frames: totalFrames - 1,
	}

	regs, err := decodeRegisterBlock(mem[s.frames*FrameSize:])
	if err != nil {
		unix.Munmap(mem)

		return nil, fmt.Errorf("snapshot: decode register block: %w", err)
	}

	s.regs = regs

	return s, nil
}

// Close unmaps the snapshot file. Only used by tests and short-lived
// tooling; a fuzzing campaign holds its Store for the program lifetime.
func (s *Store) Close() error {
	return unix.Munmap(s.mem)
}

// NumFrames reports how many guest-physical frames this snapshot captured.
func (s *Store) NumFrames() int {
	return s.frames
}

// Frame returns the captured frame for gfn, or ok=false if gfn was not
// present in the snapshot. The returned slice aliases the store's mmap'd
// buffer and must never be written through.
func (s *Store) Frame(gfn uint64) (frame []byte, ok bool) {
	if gfn >= uint64(s.frames) {
		return nil, false
	}

	off := gfn * FrameSize

	return s.mem[off : off+FrameSize : off+FrameSize], true
}

// Registers returns the initial guest register state by value, so every
// VM arms from its own copy and never mutates shared state.
func (s *Store) Registers() RegisterBlock {
	return s.regs
}

func decodeRegisterBlock(block []byte) (RegisterBlock, error) {
	var rb RegisterBlock

	if len(block) != FrameSize {
		return rb, fmt.Errorf("%w: have %d bytes", ErrTruncatedFile, len(block))
	}

	if err := binary.Read(bytes.NewReader(block), binary.LittleEndian, &rb); err != nil {
		return rb, err
	}

	return rb, nil
}
