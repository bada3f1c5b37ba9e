package treehash

import (
	"crypto/sha256"
	"errors"
	"math/rand/v2"
	"testing"
)

func patternData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func TestSumKnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"single leaf", []byte("hello"), "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"four leaves, last short", patternData(3<<20 + 17), "084d57fc4b0c5fd1f9a4196be2f846fbe9fe7ff55b553d61eac7e57a2d592187"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sum(tt.data).String()
			if got != tt.want {
				t.Errorf("Sum = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCombineManual(t *testing.T) {
	a := Hash(sha256.Sum256([]byte("a")))
	b := Hash(sha256.Sum256([]byte("b")))
	c := Hash(sha256.Sum256([]byte("c")))

	ab := Hash(sha256.Sum256(append(a[:], b[:]...)))
	want := Hash(sha256.Sum256(append(ab[:], c[:]...)))

	if got := Combine([]Hash{a, b, c}); got != want {
		t.Fatalf("Combine(a,b,c) = %s, want %s", got, want)
	}
	if got := Combine([]Hash{a}); got != a {
		t.Fatalf("Combine(a) = %s, want %s", got, a)
	}
	if got := Combine(nil); got != Empty {
		t.Fatalf("Combine(nil) = %s, want %s", got, Empty)
	}
}

func TestDigestMatchesLevelReduction(t *testing.T) {
	for _, leaves := range []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 13, 16, 17} {
		data := patternData(leaves*LeafSize - 100)

		var hashes []Hash
		for off := 0; off < len(data); off += LeafSize {
			end := min(off+LeafSize, len(data))
			hashes = append(hashes, Hash(sha256.Sum256(data[off:end])))
		}

		want := Combine(hashes)

		d := New()
		// Odd write sizes exercise leaf boundaries.
		for off := 0; off < len(data); off += 333_333 {
			d.Write(data[off:min(off+333_333, len(data))])
		}
		if got := d.Sum(); got != want {
			t.Errorf("%d leaves: Digest.Sum = %s, want %s", leaves, got, want)
		}
		if d.Written() != int64(len(data)) {
			t.Errorf("%d leaves: Written = %d, want %d", leaves, d.Written(), len(data))
		}
	}
}

func TestDigestSumIsRepeatable(t *testing.T) {
	d := New()
	d.Write(patternData(LeafSize + 5))
	first := d.Sum()
	second := d.Sum()
	if first != second {
		t.Fatalf("Sum changed state: %s then %s", first, second)
	}

	d.Reset()
	if d.Sum() != Empty {
		t.Fatalf("Sum after Reset = %s, want Empty", d.Sum())
	}
}

func TestPartHashesCombineToArchiveHash(t *testing.T) {
	data := patternData(11*LeafSize + 4321)
	whole := Sum(data)

	for _, partSize := range []int{LeafSize, 2 * LeafSize, 4 * LeafSize, 8 * LeafSize, 16 * LeafSize} {
		var parts []Hash
		for off := 0; off < len(data); off += partSize {
			parts = append(parts, Sum(data[off:min(off+partSize, len(data))]))
		}
		if got := Combine(parts); got != whole {
			t.Errorf("part size %d: combined %s, want %s", partSize, got, whole)
		}
	}
}

func TestTreeOrderIndependent(t *testing.T) {
	const n = 23
	hashes := make([]Hash, n)
	for i := range hashes {
		hashes[i] = Sum([]byte{byte(i), byte(i * 7)})
	}
	want := Combine(hashes)

	for round := 0; round < 20; round++ {
		tree := NewTree()
		for _, i := range rand.Perm(n) {
			if err := tree.Set(i, hashes[i]); err != nil {
				t.Fatalf("Set(%d): %v", i, err)
			}
		}
		got, err := tree.Root(n)
		if err != nil {
			t.Fatalf("Root: %v", err)
		}
		if got != want {
			t.Fatalf("round %d: root %s, want %s", round, got, want)
		}
	}
}

func TestTreeIncomplete(t *testing.T) {
	tree := NewTree()
	tree.Set(0, Empty)
	tree.Set(2, Empty)

	_, err := tree.Root(3)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Root error = %v, want ErrIncomplete", err)
	}

	missing := tree.Missing(4)
	if len(missing) != 2 || missing[0] != 1 || missing[1] != 3 {
		t.Fatalf("Missing = %v, want [1 3]", missing)
	}
}

func TestTreeSetConflict(t *testing.T) {
	tree := NewTree()
	if err := tree.Set(1, Empty); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tree.Set(1, Empty); err != nil {
		t.Fatalf("Set same hash again: %v", err)
	}
	if err := tree.Set(1, Sum([]byte("x"))); err == nil {
		t.Fatal("expected error for conflicting hash")
	}
}

func TestParseRoundTrip(t *testing.T) {
	h := Sum([]byte("round trip"))
	parsed, err := Parse(h.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != h {
		t.Fatalf("Parse = %s, want %s", parsed, h)
	}

	if _, err := Parse("abc"); err == nil {
		t.Fatal("expected error for odd-length hex")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short hash")
	}
}
