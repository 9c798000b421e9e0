package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/visage-ai/visage/pkg/audio"
)

// makeWAV builds a minimal PCM WAV payload for tests.
func makeWAV(sampleRate, channels, bits int, pcm []byte) []byte {
	var buf bytes.Buffer
	u32 := func(v int) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	}
	u16 := func(v int) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	}
	buf.WriteString("RIFF")
	u32(36 + len(pcm))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	u32(16)
	u16(1)
	u16(channels)
	u32(sampleRate)
	u32(sampleRate * channels * bits / 8)
	u16(channels * bits / 8)
	u16(bits)
	buf.WriteString("data")
	u32(len(pcm))
	buf.Write(pcm)
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	pcm := make([]byte, 2200)
	wav := makeWAV(22050, 1, 16, pcm)

	info, err := audio.Parse(wav)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("unexpected format: %+v", info)
	}
	if info.DataOffset != 44 {
		t.Errorf("data offset: got %d, want 44", info.DataOffset)
	}
	if info.DataSize != len(pcm) {
		t.Errorf("data size: got %d, want %d", info.DataSize, len(pcm))
	}
}

func TestParse_ExtraChunkBeforeData(t *testing.T) {
	// A LIST metadata chunk between fmt and data must be skipped.
	pcm := []byte{1, 2, 3, 4}
	wav := makeWAV(44100, 2, 16, pcm)

	var buf bytes.Buffer
	buf.Write(wav[:36]) // through end of fmt chunk
	buf.WriteString("LIST")
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 5) // odd size exercises word alignment
	buf.Write(b[:])
	buf.Write([]byte{9, 9, 9, 9, 9, 0}) // 5 bytes + pad
	buf.Write(wav[36:])                 // data chunk header + payload

	info, err := audio.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.DataSize != len(pcm) {
		t.Errorf("data size: got %d, want %d", info.DataSize, len(pcm))
	}
	got := buf.Bytes()[info.DataOffset : info.DataOffset+info.DataSize]
	if !bytes.Equal(got, pcm) {
		t.Errorf("payload mismatch: got %v, want %v", got, pcm)
	}
}

func TestParse_Truncated(t *testing.T) {
	cases := map[string][]byte{
		"empty":     nil,
		"too short": []byte("RIFF"),
		"not riff":  append([]byte("JUNK"), make([]byte, 40)...),
		"no data":   makeWAV(22050, 1, 16, nil)[:40],
	}
	for name, wav := range cases {
		if _, err := audio.Parse(wav); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParse_StreamingSizePlaceholder(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}
	wav := makeWAV(22050, 1, 16, pcm)
	// Overwrite the data chunk size with the streaming placeholder.
	binary.LittleEndian.PutUint32(wav[40:44], 0xFFFFFFFF)

	info, err := audio.Parse(wav)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.DataSize != len(pcm) {
		t.Errorf("data size: got %d, want remainder %d", info.DataSize, len(pcm))
	}
}

func TestDuration(t *testing.T) {
	// One second of 22050 Hz mono 16-bit PCM is 44100 bytes.
	pcm := make([]byte, 44100)
	wav := makeWAV(22050, 1, 16, pcm)

	d, err := audio.Duration(wav)
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if d != time.Second {
		t.Errorf("got %v, want 1s", d)
	}
}

func TestConcat_SingleChunkPassthrough(t *testing.T) {
	wav := makeWAV(22050, 1, 16, []byte{1, 2, 3, 4})

	out, err := audio.Concat([][]byte{wav})
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if &out[0] != &wav[0] {
		t.Error("single chunk should pass through unchanged")
	}
}

func TestConcat_DurationIsSum(t *testing.T) {
	half := make([]byte, 22050) // 0.5 s at 22050 Hz mono 16-bit
	chunks := [][]byte{
		makeWAV(22050, 1, 16, half),
		makeWAV(22050, 1, 16, half),
		makeWAV(22050, 1, 16, half),
	}

	out, err := audio.Concat(chunks)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	d, err := audio.Duration(out)
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	want := 1500 * time.Millisecond
	if d != want {
		t.Errorf("duration: got %v, want %v", d, want)
	}
}

func TestConcat_PayloadOrderPreserved(t *testing.T) {
	a := makeWAV(22050, 1, 16, []byte{1, 1, 1, 1})
	b := makeWAV(22050, 1, 16, []byte{2, 2, 2, 2})

	out, err := audio.Concat([][]byte{a, b})
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	info, err := audio.Parse(out)
	if err != nil {
		t.Fatalf("Parse output: %v", err)
	}
	got := out[info.DataOffset : info.DataOffset+info.DataSize]
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2}
	if !bytes.Equal(got, want) {
		t.Errorf("payload: got %v, want %v", got, want)
	}
}

func TestConcat_FormatMismatch(t *testing.T) {
	a := makeWAV(22050, 1, 16, []byte{1, 2})
	b := makeWAV(44100, 1, 16, []byte{3, 4})

	if _, err := audio.Concat([][]byte{a, b}); err == nil {
		t.Fatal("expected format mismatch error")
	}
}

func TestConcat_Empty(t *testing.T) {
	if _, err := audio.Concat(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestConcat_CorruptChunk(t *testing.T) {
	a := makeWAV(22050, 1, 16, []byte{1, 2})
	if _, err := audio.Concat([][]byte{a, []byte("not a wav")}); err == nil {
		t.Fatal("expected error for corrupt chunk")
	}
}
