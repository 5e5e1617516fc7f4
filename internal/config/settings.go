package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the on-disk / environment form of a pipeline configuration.
// It is only a source for [Video] and [Audio]; sessions never see it.
type Settings struct {
	Video    VideoSettings    `mapstructure:"video"`
	Audio    AudioSettings    `mapstructure:"audio"`
	Codec    CodecSettings    `mapstructure:"codec"`
	Pipeline PipelineSettings `mapstructure:"pipeline"`
	Log      LogSettings      `mapstructure:"log"`
}

// VideoSettings is the raw source for [NewVideo]. BitRate is in bits per
// second.
type VideoSettings struct {
	Width   int `mapstructure:"width"`
	Height  int `mapstructure:"height"`
	BitRate int `mapstructure:"bitrate"`
	FPS     int `mapstructure:"fps"`
}

// AudioSettings is the raw source for [NewAudio]. SampleSize is in bits.
type AudioSettings struct {
	BitRate      int    `mapstructure:"bitrate"`
	ChannelCount uint32 `mapstructure:"channels"`
	SampleRate   int    `mapstructure:"samplerate"`
	SampleSize   int    `mapstructure:"samplesize"`
}

// CodecSettings selects which codec implementation the sessions ask the
// service for.
type CodecSettings struct {
	VideoManufacturer string `mapstructure:"video_manufacturer"`
	AudioManufacturer string `mapstructure:"audio_manufacturer"`
}

// PipelineSettings enables each stream and the decode loopback.
type PipelineSettings struct {
	Loopback bool `mapstructure:"loopback"`
	Audio    bool `mapstructure:"audio"`
	Video    bool `mapstructure:"video"`
}

// LogSettings sets the slog level and an optional rotated log file.
type LogSettings struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// EnvPrefix is prepended to every environment override, e.g. AVPIPE_VIDEO_FPS.
const EnvPrefix = "AVPIPE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("video.width", 720)
	v.SetDefault("video.height", 1280)
	v.SetDefault("video.bitrate", 720*1280*5)
	v.SetDefault("video.fps", 30)

	v.SetDefault("audio.bitrate", 96000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.samplerate", 44100)
	v.SetDefault("audio.samplesize", 16)

	v.SetDefault("codec.video_manufacturer", "hardware")
	v.SetDefault("codec.audio_manufacturer", "software")

	v.SetDefault("pipeline.loopback", true)
	v.SetDefault("pipeline.audio", true)
	v.SetDefault("pipeline.video", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// NewViper returns a viper instance with defaults and environment binding
// applied. Flags may be bound onto it before calling [Load].
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads settings from path (YAML, TOML or JSON by extension) layered
// over defaults and environment. An empty path searches the working
// directory and $HOME/.avpipe for avpipe.yaml; a missing file is not an
// error in that case.
func Load(v *viper.Viper, path string) (Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("avpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.avpipe")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// VideoConfig validates the video section.
func (s Settings) VideoConfig() (Video, error) {
	return NewVideo(s.Video.Width, s.Video.Height, s.Video.BitRate, s.Video.FPS)
}

// AudioConfig validates the audio section.
func (s Settings) AudioConfig() (Audio, error) {
	return NewAudio(s.Audio.BitRate, s.Audio.ChannelCount, s.Audio.SampleRate, s.Audio.SampleSize)
}
