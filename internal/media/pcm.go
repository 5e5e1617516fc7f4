package media

import (
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
)

// PCMBytes packs an IntBuffer into interleaved signed 16-bit little-endian
// PCM, the layout exchanged with the codec service. Values outside the
// int16 range are clipped.
func PCMBytes(buf *audio.IntBuffer) []byte {
	if buf == nil || len(buf.Data) == 0 {
		return nil
	}
	out := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// IntBufferFromPCM unpacks interleaved s16le PCM into an IntBuffer.
func IntBufferFromPCM(data []byte, channels, sampleRate int) (*audio.IntBuffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("pcm: channel count must be positive, got %d", channels)
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("pcm: %d bytes is not a whole number of %d-channel frames", len(data), channels)
	}
	samples := make([]int, len(data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

// PCMSample wraps an IntBuffer as an audio RawSample.
func PCMSample(buf *audio.IntBuffer, timestamp int64) RawSample {
	return RawSample{
		Type: StreamAudio,
		Data: PCMBytes(buf),
		Format: SampleFormat{
			SampleRate: buf.Format.SampleRate,
			Channels:   buf.Format.NumChannels,
			BitDepth:   16,
		},
		Timestamp: timestamp,
	}
}
