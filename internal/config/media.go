// Package config holds the negotiated media parameters for one stream and
// the file/env-backed settings the demo binary loads them from.
//
// [Video] and [Audio] are immutable values: fields are unexported and the
// only constructors validate them, so a config bound to a running session
// cannot be changed underneath it.
package config

import (
	"fmt"

	"github.com/zsiec/avpipe/internal/codecerr"
)

// Video is the negotiated parameter set for one video stream.
type Video struct {
	width   int
	height  int
	bitRate int
	fps     int
}

// NewVideo validates and returns a Video config. All values must be positive.
func NewVideo(width, height, bitRate, fps int) (Video, error) {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"width", width},
		{"height", height},
		{"bitRate", bitRate},
		{"fps", fps},
	} {
		if f.v <= 0 {
			return Video{}, codecerr.Newf(codecerr.ErrConfiguration, "video config", "%s must be positive, got %d", f.name, f.v)
		}
	}
	return Video{width: width, height: height, bitRate: bitRate, fps: fps}, nil
}

func (v Video) Width() int { return v.width }
func (v Video) Height() int { return v.height }
func (v Video) BitRate() int { return v.bitRate }
func (v Video) FPS() int { return v.fps }

// KeyFrameInterval is the GOP length in frames (two seconds of video).
func (v Video) KeyFrameInterval() int { return 2 * v.fps }

// IsZero reports whether v was never constructed through NewVideo.
func (v Video) IsZero() bool { return v == Video{} }

func (v Video) String() string {
	return fmt.Sprintf("%dx%d@%dfps %dbps", v.width, v.height, v.fps, v.bitRate)
}

// Audio is the negotiated parameter set for one audio stream.
type Audio struct {
	bitRate      int
	channelCount uint32
	sampleRate   int
	sampleSize   int
}

// NewAudio validates and returns an Audio config. All values must be positive.
func NewAudio(bitRate int, channelCount uint32, sampleRate, sampleSize int) (Audio, error) {
	if bitRate <= 0 {
		return Audio{}, codecerr.Newf(codecerr.ErrConfiguration, "audio config", "bitRate must be positive, got %d", bitRate)
	}
	if channelCount == 0 {
		return Audio{}, codecerr.Newf(codecerr.ErrConfiguration, "audio config", "channelCount must be positive")
	}
	if sampleRate <= 0 {
		return Audio{}, codecerr.Newf(codecerr.ErrConfiguration, "audio config", "sampleRate must be positive, got %d", sampleRate)
	}
	if sampleSize <= 0 {
		return Audio{}, codecerr.Newf(codecerr.ErrConfiguration, "audio config", "sampleSize must be positive, got %d", sampleSize)
	}
	return Audio{
		bitRate:      bitRate,
		channelCount: channelCount,
		sampleRate:   sampleRate,
		sampleSize:   sampleSize,
	}, nil
}

func (a Audio) BitRate() int { return a.bitRate }
func (a Audio) ChannelCount() uint32 { return a.channelCount }
func (a Audio) SampleRate() int { return a.sampleRate }
func (a Audio) SampleSize() int { return a.sampleSize }
func (a Audio) IsZero() bool { return a == Audio{} }
func (a Audio) BytesPerFrame() int { return a.sampleSize / 8 * int(a.channelCount) }
func (a Audio) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit %dbps", a.sampleRate, a.channelCount, a.sampleSize, a.bitRate)
}
