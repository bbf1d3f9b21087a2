package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the big-endian body length prefix.
const HeaderLen = 4

var (
	ErrShortHeader  = errors.New("frame: short length header")
	ErrShortBody    = errors.New("frame: short body")
	ErrBodyTooLarge = errors.New("frame: body too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxBodyBytes uint32
}

// DefaultLimits allows bodies up to 8 MiB.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes: 8 * 1024 * 1024,
	}
}

// WithDefaults fills unset limits.
func (l Limits) WithDefaults() Limits {
	if l.MaxBodyBytes == 0 {
		l.MaxBodyBytes = DefaultLimits().MaxBodyBytes
	}
	return l
}

func (l Limits) check(n uint64) error {
	if n > uint64(l.WithDefaults().MaxBodyBytes) {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n)
	}
	return nil
}

// Encode returns body prefixed with its length.
func Encode(body []byte, limits Limits) ([]byte, error) {
	if err := limits.check(uint64(len(body))); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(body)))
	copy(buf[HeaderLen:], body)
	return buf, nil
}

// WriteFrame writes body to w as a single frame.
func WriteFrame(w io.Writer, body []byte, limits Limits) error {
	buf, err := Encode(body, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until one complete frame body has been read from r.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if err := limits.check(uint64(n)); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if n == 0 {
		return body, nil
	}
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortBody
		}
		return nil, err
	}
	return body, nil
}

// Decoder reassembles frame bodies from arbitrarily split chunks.
// It is not safe for concurrent use.
type Decoder struct {
	limits Limits
	buf    []byte
	err    error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.WithDefaults()}
}

// Feed appends chunk and returns every body completed by it, in stream order.
// Bytes of a trailing partial frame stay buffered for the next call.
// An oversized length header is fatal for the decoder.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var bodies [][]byte
	off := 0
	for len(d.buf)-off >= HeaderLen {
		n := binary.BigEndian.Uint32(d.buf[off : off+HeaderLen])
		if err := d.limits.check(uint64(n)); err != nil {
			d.err = err
			d.buf = nil
			return bodies, err
		}
		end := off + HeaderLen + int(n)
		if len(d.buf) < end {
			break
		}
		body := make([]byte, n)
		copy(body, d.buf[off+HeaderLen:end])
		bodies = append(bodies, body)
		off = end
	}
	d.compact(off)
	return bodies, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	rest := len(d.buf) - consumed
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:rest]
}
