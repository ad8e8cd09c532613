// Package model reads the versioned APRILMDL binary model container.
//
// A container holds the model metadata (language, name, description,
// type), a parameter blob and up to eight named network blobs, all
// addressed by (offset, size) references that must lie within the
// file. The container is immutable after parsing; blob reads go
// through the open file handle and are safe to call repeatedly.
package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// Magic is the 8-byte literal at the start of every container.
	Magic = "APRILMDL"

	// SupportedVersion is the only container version this reader
	// understands.
	SupportedVersion = 1

	// MaxNetworks bounds the number of network blobs a container may
	// declare.
	MaxNetworks = 8

	languageTagLen = 8
)

// Type identifies the network architecture stored in a container.
type Type uint32

const (
	TypeUnknown Type = iota
	TypeLSTMTransducerStateless

	typeMax
)

// String returns the string representation of the model type.
func (t Type) String() string {
	switch t {
	case TypeLSTMTransducerStateless:
		return "lstm-transducer-stateless"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

type blobRef struct {
	offset uint64
	size   uint64
}

// Container is a parsed model file. It keeps the file handle open so
// blobs can be read on demand; callers must Close it (or TakeStrings,
// which closes as a side effect) when the blobs have been consumed.
type Container struct {
	f        *os.File
	fileSize uint64

	version      uint32
	headerOffset uint64
	headerSize   uint64

	language    string
	name        string
	description string
	typ         Type

	params   blobRef
	networks []blobRef
}

// Open parses the container at path. Every validation step is a hard
// gate: a failure closes the file and returns one of the package
// sentinel errors (or a *CorruptHeaderError).
func Open(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	c := &Container{f: f}
	if err := c.parse(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) parse() error {
	info, err := c.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	c.fileSize = uint64(info.Size())

	br := bufio.NewReader(c.f)

	magic := make([]byte, len(Magic))
	if err := readFull(br, magic); err != nil {
		return err
	}
	if string(magic) != Magic {
		return ErrBadMagic
	}

	if err := readU32(br, &c.version); err != nil {
		return err
	}
	if c.version != SupportedVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.version)
	}

	if err := readU64(br, &c.headerSize); err != nil {
		return err
	}
	c.headerOffset = uint64(len(Magic)) + 4 + 8
	if c.headerSize > c.fileSize || c.headerOffset > c.fileSize-c.headerSize {
		return fmt.Errorf("%w: header (offset %d, size %d, file %d)",
			ErrOutOfBounds, c.headerOffset, c.headerSize, c.fileSize)
	}

	// The remaining fields belong to the header proper; count them so
	// the declared header size can be checked once they are parsed.
	r := &countingReader{r: br}

	lang := make([]byte, languageTagLen)
	if err := readFull(r, lang); err != nil {
		return err
	}
	c.language = strings.TrimRight(string(lang), "\x00")

	if c.name, err = c.readString(r); err != nil {
		return err
	}
	if c.description, err = c.readString(r); err != nil {
		return err
	}

	var typ uint32
	if err := readU32(r, &typ); err != nil {
		return err
	}
	c.typ = Type(typ)
	if c.typ <= TypeUnknown || c.typ >= typeMax {
		return fmt.Errorf("%w: %d", ErrInvalidType, typ)
	}

	if err := c.readBlobRef(r, &c.params, "params"); err != nil {
		return err
	}

	var count uint64
	if err := readU64(r, &count); err != nil {
		return err
	}
	if count > MaxNetworks {
		return fmt.Errorf("%w: %d", ErrTooManyNetworks, count)
	}

	c.networks = make([]blobRef, count)
	for i := range c.networks {
		if err := c.readBlobRef(r, &c.networks[i], fmt.Sprintf("network %d", i)); err != nil {
			return err
		}
	}

	if r.n > c.headerSize {
		return &CorruptHeaderError{
			Reason: fmt.Sprintf("declared size %d but fields span %d bytes", c.headerSize, r.n),
		}
	}

	return nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// readString reads a u64 length-prefixed UTF-8 string. The length is
// bounds-checked against the file size before any allocation so a
// corrupt prefix cannot trigger a huge read.
func (c *Container) readString(r io.Reader) (string, error) {
	var n uint64
	if err := readU64(r, &n); err != nil {
		return "", err
	}
	if n > c.fileSize {
		return "", fmt.Errorf("%w: string of length %d in file of %d bytes",
			ErrOutOfBounds, n, c.fileSize)
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (c *Container) readBlobRef(r io.Reader, ref *blobRef, what string) error {
	if err := readU64(r, &ref.offset); err != nil {
		return err
	}
	if err := readU64(r, &ref.size); err != nil {
		return err
	}
	if ref.size > c.fileSize || ref.offset > c.fileSize-ref.size {
		return fmt.Errorf("%w: %s (offset %d, size %d, file %d)",
			ErrOutOfBounds, what, ref.offset, ref.size, c.fileSize)
	}
	return nil
}

// Version returns the container format version.
func (c *Container) Version() uint32 { return c.version }

// Language returns the IETF-style language tag with NUL padding
// stripped.
func (c *Container) Language() string { return c.language }

// Name returns the model name.
func (c *Container) Name() string { return c.name }

// Description returns the model description.
func (c *Container) Description() string { return c.description }

// ModelType returns the declared network architecture.
func (c *Container) ModelType() Type { return c.typ }

// ParamsSize returns the declared size of the parameter blob.
func (c *Container) ParamsSize() uint64 { return c.params.size }

// NetworkCount returns the number of network blobs in the container.
func (c *Container) NetworkCount() int { return len(c.networks) }

// NetworkSize returns the declared size of network blob i.
func (c *Container) NetworkSize(i int) (uint64, error) {
	if i < 0 || i >= len(c.networks) {
		return 0, fmt.Errorf("model: network index %d out of range [0,%d)", i, len(c.networks))
	}
	return c.networks[i].size, nil
}

// ReadNetwork copies network blob i into buf, starting at the blob's
// stored offset. It copies min(len(buf), declared size) bytes: an
// over-length buffer is silently truncated to the declared size and a
// short buffer yields a short read, neither of which is an error. Safe
// to call repeatedly.
func (c *Container) ReadNetwork(i int, buf []byte) (int, error) {
	if i < 0 || i >= len(c.networks) {
		return 0, fmt.Errorf("model: network index %d out of range [0,%d)", i, len(c.networks))
	}
	return c.readBlob(c.networks[i], buf)
}

// ReadParams copies the parameter blob into buf with the same
// truncation rules as ReadNetwork.
func (c *Container) ReadParams(buf []byte) (int, error) {
	return c.readBlob(c.params, buf)
}

func (c *Container) readBlob(ref blobRef, buf []byte) (int, error) {
	if c.f == nil {
		return 0, fmt.Errorf("%w: container is closed", ErrUnreadable)
	}
	n := uint64(len(buf))
	if n > ref.size {
		n = ref.size
	}
	if n == 0 {
		return 0, nil
	}
	read, err := c.f.ReadAt(buf[:n], int64(ref.offset))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return read, fmt.Errorf("%w: blob truncated at %d bytes", ErrOutOfBounds, read)
		}
		return read, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return read, nil
}

// TakeStrings closes the container and moves ownership of the decoded
// name, description and language strings to the caller. After the
// call the container retains no reference to them and cannot serve
// further blob reads.
func (c *Container) TakeStrings() (name, description, language string) {
	name, description, language = c.name, c.description, c.language
	c.name, c.description, c.language = "", "", ""
	c.Close()
	return name, description, language
}

// Close releases the underlying file handle. Idempotent.
func (c *Container) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// readFull fills buf or maps the failure onto the package errors:
// end-of-file means the file is shorter than its declared extents.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: unexpected end of file", ErrOutOfBounds)
		}
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return nil
}

func readU32(r io.Reader, v *uint32) error {
	var buf [4]byte
	if err := readFull(r, buf[:]); err != nil {
		return err
	}
	*v = binary.LittleEndian.Uint32(buf[:])
	return nil
}

func readU64(r io.Reader, v *uint64) error {
	var buf [8]byte
	if err := readFull(r, buf[:]); err != nil {
		return err
	}
	*v = binary.LittleEndian.Uint64(buf[:])
	return nil
}
