package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// NewWavBuffer wraps s16le mono PCM in a minimal RIFF/WAVE container.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))           // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))            // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))   // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// WavWriter streams s16le mono PCM to a file, finalising the RIFF sizes on
// Close. The capture engine uses one per stream when a record path is set.
type WavWriter struct {
	f          *os.File
	sampleRate int
	written    int
}

// NewWavWriter creates path and reserves the 44-byte header. The header is
// rewritten with real sizes on Close; until then the file is not a valid
// WAV.
func NewWavWriter(path string, sampleRate int) (*WavWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create wav %q: %w", path, err)
	}
	if _, err := f.Write(NewWavBuffer(nil, sampleRate)); err != nil {
		f.Close()
		return nil, err
	}
	return &WavWriter{f: f, sampleRate: sampleRate}, nil
}

func (w *WavWriter) Write(pcm []byte) error {
	n, err := w.f.Write(pcm)
	w.written += n
	return err
}

func (w *WavWriter) Close() error {
	hdr := NewWavBuffer(nil, w.sampleRate)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+w.written))
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(w.written))
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
