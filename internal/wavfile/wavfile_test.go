package wavfile

import (
	"bytes"
	"testing"
)

func TestWrapHeaderFields(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	f := Format{Channels: 1, SampleRate: 8000, BitDepth: 16}
	out := Wrap(pcm, f)

	if len(out) != headerSize+len(pcm) {
		t.Fatalf("want %d bytes, got %d", headerSize+len(pcm), len(out))
	}
	if !bytes.Equal(out[0:4], []byte("RIFF")) || !bytes.Equal(out[8:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE magic")
	}
	if !bytes.Equal(out[44:], pcm) {
		t.Fatalf("data chunk does not match pcm payload")
	}
}

func TestWrapParseRoundTrip(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	f := Format{Channels: 1, SampleRate: 8000, BitDepth: 16}

	wrapped := Wrap(pcm, f)
	gotFmt, gotData, err := Parse(wrapped)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if gotFmt != f {
		t.Fatalf("format mismatch: want %+v got %+v", f, gotFmt)
	}
	if !bytes.Equal(gotData, pcm) {
		t.Fatalf("data mismatch after round trip")
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	if _, _, err := Parse([]byte("short")); err == nil {
		t.Fatalf("expected error for truncated buffer")
	}
}

func TestParseRejectsMissingMagic(t *testing.T) {
	buf := make([]byte, headerSize)
	if _, _, err := Parse(buf); err == nil {
		t.Fatalf("expected error for missing RIFF/WAVE magic")
	}
}
