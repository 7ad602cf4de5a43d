package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFloatPCMRoundTripClamps(t *testing.T) {
	pcm := FloatToPCM16([]float32{0, 1, -1, 2, -2, 0.5})
	if len(pcm) != 12 {
		t.Fatalf("len(pcm) = %d, want 12", len(pcm))
	}
	if v := int16(binary.LittleEndian.Uint16(pcm[2:])); v != 32767 {
		t.Fatalf("sample 1 = %d, want 32767", v)
	}
	if v := int16(binary.LittleEndian.Uint16(pcm[6:])); v != 32767 {
		t.Fatalf("clamped sample 3 = %d, want 32767", v)
	}
	if v := int16(binary.LittleEndian.Uint16(pcm[8:])); v != -32768 {
		t.Fatalf("clamped sample 4 = %d, want -32768", v)
	}

	back, err := PCM16ToFloat(pcm)
	if err != nil {
		t.Fatalf("PCM16ToFloat() error = %v", err)
	}
	if back[0] != 0 || back[2] != -1 {
		t.Fatalf("decoded = %v", back)
	}
	if d := back[5] - 0.5; d > 0.001 || d < -0.001 {
		t.Fatalf("decoded[5] = %v, want ~0.5", back[5])
	}
}

func TestPCM16ToFloatRejectsOddLength(t *testing.T) {
	if _, err := PCM16ToFloat([]byte{1, 2, 3}); err != ErrOddPCMLength {
		t.Fatalf("error = %v, want ErrOddPCMLength", err)
	}
}

func TestResample(t *testing.T) {
	in := make([]float32, 480)
	for i := range in {
		in[i] = float32(i) / 480
	}
	if got := Resample(in, 48000, 16000); len(got) != 160 {
		t.Fatalf("downsample len = %d, want 160", len(got))
	}
	if got := Resample(in, 16000, 24000); len(got) != 720 {
		t.Fatalf("upsample len = %d, want 720", len(got))
	}
	if got := Resample(in, 16000, 16000); &got[0] != &in[0] {
		t.Fatalf("same-rate resample should return input")
	}
}

func TestRateFromMIME(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm", 24000},
		{"audio/pcm;rate=abc", 24000},
		{"", 24000},
	}
	for _, tc := range cases {
		if got := RateFromMIME(tc.in, DefaultPlaybackRate); got != tc.want {
			t.Fatalf("RateFromMIME(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if got := MIMEForRate(16000); got != "audio/pcm;rate=16000" {
		t.Fatalf("MIMEForRate(16000) = %q", got)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(24000, 24000); got != time.Second {
		t.Fatalf("Duration() = %v, want 1s", got)
	}
	if got := Duration(240, 24000); got != 10*time.Millisecond {
		t.Fatalf("Duration() = %v, want 10ms", got)
	}
}

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	wav, err := EncodeWAVPCM16LE([]byte{1, 0, 2, 0}, 24000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 48 {
		t.Fatalf("len(wav) = %d, want 48", len(wav))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) || !bytes.Equal(wav[36:40], []byte("data")) {
		t.Fatalf("unexpected header: %q", wav[:44])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != 4 {
		t.Fatalf("data size = %d, want 4", size)
	}
}

func TestRecorderCapsAndSaves(t *testing.T) {
	r := NewRecorder(10, 1)
	r.Write(make([]byte, 16))
	r.Write(make([]byte, 16))
	if got := r.Len(); got != 20 {
		t.Fatalf("Len() = %d, want 20", got)
	}

	path := filepath.Join(t.TempDir(), "call.wav")
	if err := r.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 64 {
		t.Fatalf("file size = %d, want 64", info.Size())
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after Save = %d, want 0", r.Len())
	}
}
