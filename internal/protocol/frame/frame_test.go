package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	body := []byte(`{"event":"ping"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:HeaderLen]); got != uint32(len(body)) {
		t.Fatalf("length prefix got=%d want=%d", got, len(body))
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("body mismatch: %q", out)
	}
	if _, err := ReadFrame(&buf, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on drained reader, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameShortBody(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 5, 'a', 'b'}), DefaultLimits())
	if !errors.Is(err, ErrShortBody) {
		t.Fatalf("expected ErrShortBody, got %v", err)
	}
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	_, err := Encode(make([]byte, 9), Limits{MaxBodyBytes: 8})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestDecoderEveryByteSplit(t *testing.T) {
	a, _ := Encode([]byte("first"), DefaultLimits())
	b, _ := Encode([]byte(""), DefaultLimits())
	c, _ := Encode([]byte("third body"), DefaultLimits())
	stream := append(append(append([]byte{}, a...), b...), c...)

	for split := 0; split <= len(stream); split++ {
		d := NewDecoder(DefaultLimits())
		var got [][]byte
		for _, chunk := range [][]byte{stream[:split], stream[split:]} {
			bodies, err := d.Feed(chunk)
			if err != nil {
				t.Fatalf("split=%d feed: %v", split, err)
			}
			got = append(got, bodies...)
		}
		if len(got) != 3 || string(got[0]) != "first" || len(got[1]) != 0 || string(got[2]) != "third body" {
			t.Fatalf("split=%d unexpected bodies: %q", split, got)
		}
		if d.Buffered() != 0 {
			t.Fatalf("split=%d leftover bytes=%d", split, d.Buffered())
		}
	}
}

func TestDecoderByteByByte(t *testing.T) {
	a, _ := Encode([]byte("alpha"), DefaultLimits())
	b, _ := Encode([]byte("beta"), DefaultLimits())
	stream := append(a, b...)

	d := NewDecoder(DefaultLimits())
	var got [][]byte
	for i := range stream {
		bodies, err := d.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		got = append(got, bodies...)
	}
	if len(got) != 2 || string(got[0]) != "alpha" || string(got[1]) != "beta" {
		t.Fatalf("unexpected bodies: %q", got)
	}
}

func TestDecoderKeepsPartialFrame(t *testing.T) {
	a, _ := Encode([]byte("whole"), DefaultLimits())
	d := NewDecoder(DefaultLimits())
	bodies, err := d.Feed(a[:HeaderLen+2])
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(bodies) != 0 {
		t.Fatalf("partial frame must not be emitted")
	}
	if d.Buffered() != HeaderLen+2 {
		t.Fatalf("buffered got=%d", d.Buffered())
	}
}

func TestDecoderOversizedLengthIsSticky(t *testing.T) {
	d := NewDecoder(Limits{MaxBodyBytes: 4})
	ok, _ := Encode([]byte("ok"), Limits{MaxBodyBytes: 4})
	bad := []byte{0, 0, 0, 200}
	bodies, err := d.Feed(append(ok, bad...))
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	if len(bodies) != 1 || string(bodies[0]) != "ok" {
		t.Fatalf("frames before the bad header should be returned: %q", bodies)
	}
	if _, err := d.Feed(ok); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("decoder should stay failed, got %v", err)
	}
}
