package audio

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RealtimeSampleRate is the rate of pcm16 audio on the realtime API.
const RealtimeSampleRate = 24000

var (
	ErrNotWAV         = errors.New("audio: not a RIFF/WAVE stream")
	ErrUnsupportedWAV = errors.New("audio: only mono 16-bit PCM is supported")
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = RealtimeSampleRate
	}

	dataSize := uint32(len(pcm))
	header := struct {
		Riff          [4]byte
		RiffSize      uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:      36 + dataSize,
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   audioFormat,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16LE returns the sample data and rate of a mono 16-bit PCM WAV.
// Chunks other than fmt and data are skipped.
func DecodeWAVPCM16LE(wav []byte) ([]byte, int, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate int
		sawFmt     bool
	)
	rest := wav[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		rest = rest[8:]
		if size > len(rest) {
			if id == "data" {
				// Streaming writers leave the size unset; take what is there.
				size = len(rest)
			} else {
				return nil, 0, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
		}
		body := rest[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("%w (format=%d channels=%d bits=%d)", ErrUnsupportedWAV, format, channels, bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			pcm := make([]byte, size)
			copy(pcm, body)
			return pcm, sampleRate, nil
		}

		// Chunks are word aligned.
		if size%2 == 1 && size < len(rest) {
			size++
		}
		rest = rest[size:]
	}
	return nil, 0, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// JoinDeltas decodes base64 audio deltas in order and concatenates them.
func JoinDeltas(deltas []string) ([]byte, error) {
	var pcm []byte
	for i, d := range deltas {
		chunk, err := base64.StdEncoding.DecodeString(d)
		if err != nil {
			return nil, fmt.Errorf("decode delta %d: %w", i, err)
		}
		pcm = append(pcm, chunk...)
	}
	return pcm, nil
}
