package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/go-audio/audio"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/media"
)

func TestCodecsCommandListsDescriptions(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"codecs"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("codecs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), out.String())
	}
	if !strings.Contains(out.String(), "hardware") || !strings.Contains(out.String(), "software") {
		t.Errorf("missing manufacturers:\n%s", out.String())
	}
}

func TestRunCommandStopsAfterDuration(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--duration", "300ms", "--width", "64", "--height", "32", "--fps", "10", "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRenderSinkMetersAudioPeak(t *testing.T) {
	var logs bytes.Buffer
	r := &renderSink{log: slog.New(slog.NewTextHandler(&logs, nil))}

	pcm := media.PCMBytes(&audio.IntBuffer{Data: []int{100, -300, 200, 50}})
	r.WriteFrame(media.DecodedFrame{StreamType: media.StreamAudio, Data: pcm, Channels: 2, SampleRate: 8000})
	r.WriteFrame(media.DecodedFrame{StreamType: media.StreamAudio, Data: media.PCMBytes(&audio.IntBuffer{Data: []int{10, 20}}), Channels: 2, SampleRate: 8000})
	if got := r.peak.Load(); got != 300 {
		t.Errorf("peak: got %d, want 300", got)
	}

	// Three bytes is not a whole stereo frame.
	r.WriteFrame(media.DecodedFrame{StreamType: media.StreamAudio, Data: []byte{1, 2, 3}, Channels: 2, SampleRate: 8000})
	if got := r.audio.Load(); got != 3 {
		t.Errorf("audio frames: got %d, want 3", got)
	}
	if !strings.Contains(logs.String(), "unplayable audio frame") {
		t.Errorf("missing warning:\n%s", logs.String())
	}

	r.HandleEvent(media.Event{Kind: media.EventFrameDropped, Err: codecerr.New(codecerr.ErrFrameDropped, "decode", nil)})
	if !strings.Contains(logs.String(), `error_kind="frame dropped"`) {
		t.Errorf("event log missing error kind:\n%s", logs.String())
	}
}
