package multipart

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Part size limits imposed by the service.
const (
	MinPartSize     int64 = 1 << 20
	MaxPartSize     int64 = 4 << 30
	DefaultPartSize int64 = 8 << 20
)

// ValidatePartSize checks that size is a power of two between 1 MiB and
// 4 GiB.
func ValidatePartSize(size int64) error {
	if size < MinPartSize || size > MaxPartSize {
		return &vault.ValidationError{
			Field:  "part_size",
			Reason: fmt.Sprintf("%d is outside [%d, %d]", size, MinPartSize, MaxPartSize),
		}
	}
	if size&(size-1) != 0 {
		return &vault.ValidationError{
			Field:  "part_size",
			Reason: fmt.Sprintf("%d is not a power of two", size),
		}
	}
	return nil
}

// Part describes one contiguous byte range of an archive.
type Part struct {
	Index  int
	Offset int64
	Length int64
	// Hash is the tree hash of the part's bytes, zero until computed.
	Hash treehash.Hash
}

// End returns the offset one past the last byte of the part.
func (p Part) End() int64 {
	return p.Offset + p.Length
}

// Range returns the inclusive byte range of the part. An empty part has
// End == Start-1.
func (p Part) Range() vault.ByteRange {
	return vault.ByteRange{Start: p.Offset, End: p.Offset + p.Length - 1}
}

// Plan is the chunking of an archive of known size.
type Plan struct {
	PartSize int64
	Size     int64
}

// NewPlan validates partSize and returns the plan for size bytes.
func NewPlan(partSize, size int64) (Plan, error) {
	if err := ValidatePartSize(partSize); err != nil {
		return Plan{}, err
	}
	if size < 0 {
		return Plan{}, &vault.ValidationError{Field: "size", Reason: "must not be negative"}
	}
	return Plan{PartSize: partSize, Size: size}, nil
}

// Count returns the number of parts. An empty archive has one empty part.
func (p Plan) Count() int {
	if p.Size == 0 {
		return 1
	}
	return int((p.Size + p.PartSize - 1) / p.PartSize)
}

// Part returns the descriptor of part i.
func (p Plan) Part(i int) Part {
	offset := int64(i) * p.PartSize
	length := p.PartSize
	if offset+length > p.Size {
		length = p.Size - offset
	}
	if length < 0 {
		length = 0
	}
	return Part{Index: i, Offset: offset, Length: length}
}

// All yields every part in index order.
func (p Plan) All() iter.Seq[Part] {
	return func(yield func(Part) bool) {
		n := p.Count()
		for i := 0; i < n; i++ {
			if !yield(p.Part(i)) {
				return
			}
		}
	}
}

// Archive is the byte source of an upload. It is either positioned (an
// io.ReaderAt of known size, read concurrently by workers) or a stream
// of unknown length read sequentially.
type Archive struct {
	Name string

	ra     io.ReaderAt
	stream io.Reader
	size   int64
}

// NewArchive returns a positioned archive of size bytes.
func NewArchive(name string, r io.ReaderAt, size int64) *Archive {
	return &Archive{Name: name, ra: r, size: size}
}

// NewStreamArchive returns an archive whose length is discovered by
// reading r to EOF.
func NewStreamArchive(name string, r io.Reader) *Archive {
	return &Archive{Name: name, stream: r, size: -1}
}

// Size returns the archive size and whether it is known up front.
func (a *Archive) Size() (int64, bool) {
	return a.size, a.size >= 0
}

// Chunker yields the parts of an archive lazily, in index order. It is
// driven by a single goroutine; ReadPart may be called concurrently for
// positioned archives.
type Chunker struct {
	archive  *Archive
	partSize int64

	next   int
	offset int64
	done   bool
}

// NewChunker returns a chunker splitting archive into partSize parts.
func NewChunker(archive *Archive, partSize int64) (*Chunker, error) {
	if err := ValidatePartSize(partSize); err != nil {
		return nil, err
	}
	if archive == nil || (archive.ra == nil && archive.stream == nil) {
		return nil, errors.New("multipart: archive has no source")
	}
	return &Chunker{archive: archive, partSize: partSize}, nil
}

// PartSize returns the chunk size.
func (c *Chunker) PartSize() int64 {
	return c.partSize
}

// Next returns the next part, or io.EOF after the last one. For stream
// archives the part's bytes are read into buf (grown if needed) and
// returned; for positioned archives data is nil and the bytes are read
// later with ReadPart.
func (c *Chunker) Next(buf []byte) (part Part, data []byte, err error) {
	if c.done {
		return Part{}, nil, io.EOF
	}

	if c.archive.stream == nil {
		plan := Plan{PartSize: c.partSize, Size: c.archive.size}
		if c.next >= plan.Count() {
			c.done = true
			return Part{}, nil, io.EOF
		}
		part = plan.Part(c.next)
		c.next++
		c.offset = part.End()
		return part, nil, nil
	}

	if int64(cap(buf)) < c.partSize {
		buf = make([]byte, c.partSize)
	}
	buf = buf[:c.partSize]

	n, err := io.ReadFull(c.archive.stream, buf)
	switch {
	case err == io.EOF:
		c.done = true
		if c.next > 0 {
			return Part{}, nil, io.EOF
		}
		// Empty archive: a single empty part.
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
	case err != nil:
		return Part{}, nil, fmt.Errorf("multipart: read part %d: %w", c.next, err)
	}

	part = Part{Index: c.next, Offset: c.offset, Length: int64(n)}
	c.next++
	c.offset += int64(n)
	return part, buf[:n], nil
}

// ReadPart reads the bytes of part p from a positioned archive into buf,
// growing it if needed.
func (c *Chunker) ReadPart(p Part, buf []byte) ([]byte, error) {
	if c.archive.ra == nil {
		return nil, errors.New("multipart: ReadPart on a stream archive")
	}
	if int64(cap(buf)) < p.Length {
		buf = make([]byte, p.Length)
	}
	buf = buf[:p.Length]
	if p.Length == 0 {
		return buf, nil
	}

	n, err := c.archive.ra.ReadAt(buf, p.Offset)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("multipart: read part %d at offset %d: %w", p.Index, p.Offset, err)
}

// Count returns the number of parts yielded so far, which is the total
// once Next has returned io.EOF.
func (c *Chunker) Count() int {
	return c.next
}

// Size returns the number of bytes covered by the parts yielded so far.
func (c *Chunker) Size() int64 {
	return c.offset
}

// Done reports whether Next has returned io.EOF.
func (c *Chunker) Done() bool {
	return c.done
}
