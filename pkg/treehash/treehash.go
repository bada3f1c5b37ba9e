package treehash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"slices"
)

// LeafSize is the size of the data blocks hashed at the bottom of the tree.
const LeafSize = 1 << 20

// Size is the length of a tree hash in bytes.
const Size = sha256.Size

// Hash is a SHA-256 tree hash.
type Hash [Size]byte

// Empty is the tree hash of zero bytes of input.
var Empty = Hash(sha256.Sum256(nil))

// String returns the lowercase hex encoding used on the wire.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value (no hash computed).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse decodes a hex-encoded tree hash.
func Parse(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("treehash: invalid hex: %w", err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("treehash: expected %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Sum returns the tree hash of data.
func Sum(data []byte) Hash {
	d := New()
	d.Write(data)
	return d.Sum()
}

// Combine reduces hashes to a single root. Each level pairs adjacent
// nodes left to right and hashes the concatenation of each pair. An odd
// trailing node is promoted to the next level unchanged.
//
// Combine of an empty slice returns Empty.
func Combine(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return Empty
	}

	level := make([]Hash, len(hashes))
	copy(level, hashes)

	h := sha256.New()
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, pair(h, level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func pair(h hash.Hash, left, right Hash) Hash {
	h.Reset()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// node is a complete subtree of 2^level leaves.
type node struct {
	hash  Hash
	level int
}

// Digest computes a tree hash incrementally. It keeps one pending leaf
// and O(log n) completed subtrees, so arbitrarily long streams hash in
// constant memory.
type Digest struct {
	leaf    hash.Hash
	inLeaf  int
	written int64
	stack   []node
	scratch hash.Hash
}

// New returns an empty Digest.
func New() *Digest {
	return &Digest{
		leaf:    sha256.New(),
		scratch: sha256.New(),
	}
}

// Write adds p to the digest. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := LeafSize - d.inLeaf
		if room > len(p) {
			room = len(p)
		}
		d.leaf.Write(p[:room])
		d.inLeaf += room
		d.written += int64(room)
		p = p[room:]
		if d.inLeaf == LeafSize {
			d.pushLeaf()
		}
	}
	return n, nil
}

func (d *Digest) pushLeaf() {
	var h Hash
	d.leaf.Sum(h[:0])
	d.leaf.Reset()
	d.inLeaf = 0

	d.stack = append(d.stack, node{hash: h})
	for len(d.stack) >= 2 {
		top := d.stack[len(d.stack)-1]
		below := d.stack[len(d.stack)-2]
		if top.level != below.level {
			break
		}
		d.stack = d.stack[:len(d.stack)-2]
		d.stack = append(d.stack, node{hash: pair(d.scratch, below.hash, top.hash), level: top.level + 1})
	}
}

// Written returns the number of bytes written so far.
func (d *Digest) Written() int64 {
	return d.written
}

// Sum returns the tree hash of everything written so far. It does not
// change the digest state.
func (d *Digest) Sum() Hash {
	if d.written == 0 {
		return Empty
	}

	nodes := d.stack
	if d.inLeaf > 0 {
		var h Hash
		d.leaf.Sum(h[:0])
		nodes = append(nodes[:len(nodes):len(nodes)], node{hash: h})
	}

	// Completed subtrees shrink left to right; fold them from the right.
	acc := nodes[len(nodes)-1].hash
	for i := len(nodes) - 2; i >= 0; i-- {
		acc = pair(d.scratch, nodes[i].hash, acc)
	}
	return acc
}

// Reset clears the digest.
func (d *Digest) Reset() {
	d.leaf.Reset()
	d.inLeaf = 0
	d.written = 0
	d.stack = d.stack[:0]
}

// ErrIncomplete is returned by Tree.Root when part hashes are missing.
var ErrIncomplete = errors.New("treehash: tree incomplete")

// Tree collects part hashes by index in any order and merges them once
// every index is present. Tree is not safe for concurrent use.
type Tree struct {
	parts map[int]Hash
}

// NewTree returns an empty Tree.
func NewTree() *Tree {
	return &Tree{parts: make(map[int]Hash)}
}

// Set records the hash of part index. Setting an index twice with a
// different hash is an error; setting it again with the same hash is a
// no-op.
func (t *Tree) Set(index int, h Hash) error {
	if index < 0 {
		return fmt.Errorf("treehash: negative part index %d", index)
	}
	if prev, ok := t.parts[index]; ok && prev != h {
		return fmt.Errorf("treehash: part %d already recorded with hash %s", index, prev)
	}
	t.parts[index] = h
	return nil
}

// Get returns the hash recorded for index.
func (t *Tree) Get(index int) (Hash, bool) {
	h, ok := t.parts[index]
	return h, ok
}

// Len returns the number of recorded parts.
func (t *Tree) Len() int {
	return len(t.parts)
}

// Indices returns the recorded part indices in ascending order.
func (t *Tree) Indices() []int {
	indices := make([]int, 0, len(t.parts))
	for i := range t.parts {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return indices
}

// Missing returns the indices in [0, n) with no recorded hash.
func (t *Tree) Missing(n int) []int {
	var missing []int
	for i := 0; i < n; i++ {
		if _, ok := t.parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Root merges the hashes of parts [0, n). It fails with ErrIncomplete if
// any index in range has not been recorded.
func (t *Tree) Root(n int) (Hash, error) {
	if n <= 0 {
		return Hash{}, fmt.Errorf("treehash: invalid part count %d", n)
	}
	hashes := make([]Hash, n)
	for i := 0; i < n; i++ {
		h, ok := t.parts[i]
		if !ok {
			return Hash{}, fmt.Errorf("%w: part %d of %d missing", ErrIncomplete, i, n)
		}
		hashes[i] = h
	}
	return Combine(hashes), nil
}
