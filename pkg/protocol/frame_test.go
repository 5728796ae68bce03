package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFrameReader_Next(t *testing.T) {
	first, _ := Encode(TypeChat, map[string]any{"message": "one"})
	second, _ := Encode(TypeLogout, nil)

	fr := NewFrameReader(bytes.NewReader(append(append([]byte{}, first...), second...)), 0)

	got, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("Next() = %q, want %q", got, first)
	}

	got, err = fr.Next()
	if err != nil {
		t.Fatalf("Next() second error = %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("Next() second = %q, want %q", got, second)
	}

	if _, err := fr.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

func TestFrameReader_TruncatedBody(t *testing.T) {
	frame, _ := Encode(TypeChat, map[string]any{"message": "hello"})
	fr := NewFrameReader(bytes.NewReader(frame[:len(frame)-3]), 0)

	if _, err := fr.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Next() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFrameReader_TooLarge(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 1024)
	fr := NewFrameReader(bytes.NewReader(header[:]), 16)

	if _, err := fr.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Next() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameReader_KeepsPeekedBytes(t *testing.T) {
	frame, _ := Encode(TypeUserList, nil)
	br := bufio.NewReader(bytes.NewReader(frame))
	if _, err := br.Peek(HeaderSize); err != nil {
		t.Fatalf("Peek() error = %v", err)
	}

	got, err := NewFrameReader(br, 0).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("Next() = %q, want %q", got, frame)
	}
}

func TestMarshalCompact_NoHTMLEscape(t *testing.T) {
	b, err := marshalCompact(map[string]string{"m": "<a&b>"})
	if err != nil {
		t.Fatalf("marshalCompact() error = %v", err)
	}
	if strings.Contains(string(b), `<`) || strings.HasSuffix(string(b), "\n") {
		t.Errorf("marshalCompact() = %q", b)
	}
}
