// Package wavfile builds and parses canonical 44-byte RIFF/WAVE PCM headers.
// It does not resample or transcode; callers supply PCM already in the
// declared format.
package wavfile

import (
	"encoding/binary"
	"fmt"
)

// Format describes the PCM layout a WAV header declares.
type Format struct {
	Channels   int
	SampleRate int
	BitDepth   int
}

const headerSize = 44

// Wrap prepends a canonical 44-byte PCM WAV header to pcm for the given
// format. Callers are responsible for pcm matching the declared format.
func Wrap(pcm []byte, f Format) []byte {
	byteRate := f.SampleRate * f.Channels * f.BitDepth / 8
	blockAlign := f.Channels * f.BitDepth / 8

	buf := make([]byte, headerSize+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // AudioFormat = PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(f.BitDepth))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// Parse extracts the format and PCM payload from a canonical WAV buffer
// produced by Wrap (or any single fmt/data chunk PCM WAV).
func Parse(b []byte) (Format, []byte, error) {
	if len(b) < headerSize {
		return Format{}, nil, fmt.Errorf("wavfile: buffer too short for a header: %d bytes", len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("wavfile: missing RIFF/WAVE magic")
	}

	pos := 12
	var f Format
	var gotFmt bool
	var data []byte
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		pos += 8
		if pos+size > len(b) {
			return Format{}, nil, fmt.Errorf("wavfile: truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("wavfile: fmt chunk too small")
			}
			audioFormat := binary.LittleEndian.Uint16(b[pos : pos+2])
			if audioFormat != 1 {
				return Format{}, nil, fmt.Errorf("wavfile: unsupported AudioFormat %d, want PCM", audioFormat)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[pos+2 : pos+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
			f.BitDepth = int(binary.LittleEndian.Uint16(b[pos+14 : pos+16]))
			gotFmt = true
		case "data":
			data = b[pos : pos+size]
		}
		pos += size
		if pos%2 == 1 {
			pos++
		}
	}
	if !gotFmt {
		return Format{}, nil, fmt.Errorf("wavfile: missing fmt chunk")
	}
	if data == nil {
		return Format{}, nil, fmt.Errorf("wavfile: missing data chunk")
	}
	return f, data, nil
}
