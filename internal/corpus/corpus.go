// Package corpus implements the shared, round-robin corpus: a set of
// named byte buffers checked out by fuzzing loops and grown whenever an
// iteration discovers novel coverage. Exactly one mutex guards the buffer
// vector and the round-robin cursor together, so checkout order stays
// coherent while submissions rebalance the rotation.
package corpus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var ErrEmptyCorpus = errors.New("corpus: directory contains no regular files")

type buffer struct {
	id    string
	bytes []byte
}

// Corpus is safe for concurrent Checkout/Submit/Len calls.
type Corpus struct {
	mu      sync.Mutex
	buffers []buffer
	cursor  int
}

// LoadDir walks dir non-recursively: every regular file becomes one
// buffer, its file name is its id, and subdirectories are ignored. No
// ordering is contractual.
func LoadDir(dir string) (*Corpus, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("corpus: read dir %s: %w", dir, err)
	}

	c := &Corpus{}

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}

		info, err := ent.Info()
		if err != nil {
			return nil, fmt.Errorf("corpus: stat %s: %w", ent.Name(), err)
		}

		if !info.Mode().IsRegular() {
			continue
		}

		path := filepath.Join(dir, ent.Name())

		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("corpus: read %s: %w", path, err)
		}

		c.buffers = append(c.buffers, buffer{id: ent.Name(), bytes: b})
	}

	if len(c.buffers) == 0 {
		return nil, ErrEmptyCorpus
	}

	return c, nil
}

// Checkout returns a borrowed snapshot of one buffer chosen by round-robin.
// Non-blocking: the returned slice must not be mutated by the caller (it
// aliases the corpus's own storage); mutation happens on a per-VM copy.
func (c *Corpus) Checkout() (id string, bytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buffers[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.buffers)

	return b.id, b.bytes
}

// Submit appends a new, immutable buffer. Called only when an iteration
// produced novel coverage; id need not be unique.
func (c *Corpus) Submit(id string, bytes []byte) {
	owned := make([]byte, len(bytes))
	copy(owned, bytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffers = append(c.buffers, buffer{id: id, bytes: owned})
}

// Len reports the current number of buffers.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buffers)
}
