// Package audio provides the WAV container utilities the generation
// pipelines depend on: header parsing, chunk concatenation, and duration
// math. The voice service returns one RIFF/WAVE payload per synthesized
// chunk; audio jobs stitch those payloads into a single artifact before
// upload.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Info holds the format metadata extracted from a RIFF/WAVE header.
type Info struct {
	SampleRate    int // samples per second (e.g., 22050, 44100, 48000)
	Channels      int // 1 = mono, 2 = stereo
	BitsPerSample int // usually 16 for synth output
	DataOffset    int // byte offset of the first PCM sample
	DataSize      int // byte length of the PCM payload
}

// ByteRate is the PCM throughput in bytes per second.
func (i Info) ByteRate() int {
	return i.SampleRate * i.Channels * i.BitsPerSample / 8
}

// Duration is the play time of the PCM payload.
func (i Info) Duration() time.Duration {
	rate := i.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(i.DataSize) / float64(rate) * float64(time.Second))
}

// Parse scans the RIFF/WAVE container and returns the audio format along
// with the location of the PCM payload. Walking the chunk list is more
// robust than assuming a fixed 44-byte header because the fmt chunk size
// may vary and encoders append metadata chunks.
func Parse(wav []byte) (Info, error) {
	if len(wav) < 12 {
		return Info{}, errors.New("audio: payload too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return Info{}, errors.New("audio: missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return Info{}, errors.New("audio: missing WAVE identifier")
	}

	var info Info
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return Info{}, errors.New("audio: data chunk precedes fmt chunk")
			}
			info.DataOffset = offset + 8
			remaining := len(wav) - info.DataOffset
			// Streaming encoders write 0 or 0xFFFFFFFF as a placeholder size;
			// fall back to the remainder of the payload.
			if chunkSize <= 0 || chunkSize > remaining {
				chunkSize = remaining
			}
			info.DataSize = chunkSize
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Info{}, errors.New("audio: missing data chunk")
}

// Duration parses the container and returns the play time of its payload.
func Duration(wav []byte) (time.Duration, error) {
	info, err := Parse(wav)
	if err != nil {
		return 0, err
	}
	return info.Duration(), nil
}

// Concat joins ordered WAV payloads produced by the same synth model into a
// single WAV whose duration is the sum of the inputs. A single payload is
// returned unchanged. All payloads must agree on sample rate, channel count
// and sample width.
func Concat(chunks [][]byte) ([]byte, error) {
	switch len(chunks) {
	case 0:
		return nil, errors.New("audio: no chunks to concatenate")
	case 1:
		return chunks[0], nil
	}

	first, err := Parse(chunks[0])
	if err != nil {
		return nil, fmt.Errorf("audio: chunk 0: %w", err)
	}

	total := first.DataSize
	infos := make([]Info, len(chunks))
	infos[0] = first
	for i := 1; i < len(chunks); i++ {
		info, err := Parse(chunks[i])
		if err != nil {
			return nil, fmt.Errorf("audio: chunk %d: %w", i, err)
		}
		if info.SampleRate != first.SampleRate || info.Channels != first.Channels ||
			info.BitsPerSample != first.BitsPerSample {
			return nil, fmt.Errorf("audio: chunk %d format %dHz/%dch/%dbit does not match %dHz/%dch/%dbit",
				i, info.SampleRate, info.Channels, info.BitsPerSample,
				first.SampleRate, first.Channels, first.BitsPerSample)
		}
		infos[i] = info
		total += info.DataSize
	}

	out := make([]byte, 0, headerSize+total)
	out = appendHeader(out, first, total)
	for i, chunk := range chunks {
		info := infos[i]
		out = append(out, chunk[info.DataOffset:info.DataOffset+info.DataSize]...)
	}
	return out, nil
}

// headerSize is the canonical PCM header: 12-byte RIFF/WAVE preamble,
// 24-byte fmt chunk, 8-byte data chunk header.
const headerSize = 44

// appendHeader writes a canonical 44-byte PCM WAV header for dataLen bytes
// of payload in the given format.
func appendHeader(dst []byte, info Info, dataLen int) []byte {
	var scratch [4]byte
	u32 := func(v int) []byte {
		binary.LittleEndian.PutUint32(scratch[:], uint32(v))
		return scratch[:4]
	}
	u16 := func(v int) []byte {
		binary.LittleEndian.PutUint16(scratch[:2], uint16(v))
		return scratch[:2]
	}

	dst = append(dst, "RIFF"...)
	dst = append(dst, u32(36+dataLen)...)
	dst = append(dst, "WAVE"...)
	dst = append(dst, "fmt "...)
	dst = append(dst, u32(16)...)
	dst = append(dst, u16(1)...) // PCM
	dst = append(dst, u16(info.Channels)...)
	dst = append(dst, u32(info.SampleRate)...)
	dst = append(dst, u32(info.ByteRate())...)
	dst = append(dst, u16(info.Channels*info.BitsPerSample/8)...) // block align
	dst = append(dst, u16(info.BitsPerSample)...)
	dst = append(dst, "data"...)
	dst = append(dst, u32(dataLen)...)
	return dst
}
