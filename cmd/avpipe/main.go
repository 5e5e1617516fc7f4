package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zsiec/avpipe/internal/capture"
	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/config"
	"github.com/zsiec/avpipe/internal/hwcodec"
	"github.com/zsiec/avpipe/internal/hwcodec/softcodec"
	"github.com/zsiec/avpipe/internal/media"
	"github.com/zsiec/avpipe/internal/pipeline"
	"github.com/zsiec/avpipe/internal/stream"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	root := &cobra.Command{
		Use:           "avpipe",
		Short:         "Capture, encode, relay and loop back audio/video through a codec service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./avpipe.yaml or $HOME/.avpipe/avpipe.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-file", "", "also write logs to this file, rotated")
	cobra.CheckErr(v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level")))
	cobra.CheckErr(v.BindPFlag("log.file", root.PersistentFlags().Lookup("log-file")))

	run := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic capture through the encode/decode pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			log, closeLog := newLogger(s.Log)
			defer closeLog()
			duration, _ := cmd.Flags().GetDuration("duration")
			key, _ := cmd.Flags().GetString("key")
			return runPipeline(cmd.Context(), log, s, key, duration)
		},
	}
	run.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	run.Flags().String("key", "synthetic", "stream key")
	run.Flags().Int("width", 0, "video width")
	run.Flags().Int("height", 0, "video height")
	run.Flags().Int("fps", 0, "video frame rate")
	run.Flags().Bool("loopback", true, "decode encoded units back to frames")
	run.Flags().Bool("audio", true, "enable the audio stream")
	run.Flags().Bool("video", true, "enable the video stream")
	for flag, key := range map[string]string{
		"width":    "video.width",
		"height":   "video.height",
		"fps":      "video.fps",
		"loopback": "pipeline.loopback",
		"audio":    "pipeline.audio",
		"video":    "pipeline.video",
	} {
		cobra.CheckErr(v.BindPFlag(key, run.Flags().Lookup(flag)))
	}

	codecs := &cobra.Command{
		Use:   "codecs",
		Short: "List the codecs the service offers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc := softcodec.New(nil)
			w := cmd.OutOrStdout()
			for _, kind := range []hwcodec.Kind{hwcodec.KindEncoder, hwcodec.KindDecoder} {
				for _, codec := range []hwcodec.Codec{hwcodec.CodecH264, hwcodec.CodecAAC} {
					for _, d := range svc.Describe(kind, codec) {
						fmt.Fprintf(w, "%-8s %-5s %-9s %s\n", d.Kind, d.Codec, d.Manufacturer, d.Name)
					}
				}
			}
			return nil
		},
	}

	root.AddCommand(run, codecs)
	return root
}

// newLogger builds the text logger, teeing to a rotated file when one is
// configured. The returned func closes the file.
func newLogger(s config.LogSettings) (*slog.Logger, func()) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s.Level))); err != nil {
		level = slog.LevelInfo
	}
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if s.File != "" {
		file := &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    100,
			MaxBackups: 3,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, file)
		closeFn = func() { _ = file.Close() }
	}
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log, closeFn
}

// renderSink stands in for a display and speaker: it counts what the
// loopback decoders produce and meters the decoded audio.
type renderSink struct {
	log    *slog.Logger
	video  atomic.Int64
	audio  atomic.Int64
	events atomic.Int64
	// peak is the largest absolute PCM sample rendered so far.
	peak atomic.Int64
}

func (r *renderSink) WriteUnit(media.EncodedUnit) {}

func (r *renderSink) WriteFrame(f media.DecodedFrame) {
	if f.StreamType == media.StreamVideo {
		r.video.Add(1)
		return
	}
	r.audio.Add(1)
	buf, err := media.IntBufferFromPCM(f.Data, f.Channels, f.SampleRate)
	if err != nil {
		r.log.Warn("unplayable audio frame", "pts", f.PTS, "error", err)
		return
	}
	var peak int64
	for _, v := range buf.Data {
		if v < 0 {
			v = -v
		}
		peak = max(peak, int64(v))
	}
	for {
		cur := r.peak.Load()
		if peak <= cur || r.peak.CompareAndSwap(cur, peak) {
			return
		}
	}
}

func (r *renderSink) HandleEvent(ev media.Event) {
	r.events.Add(1)
	r.log.Warn("decoder event",
		"kind", ev.Kind.String(),
		"stream_type", ev.StreamType.String(),
		"pts", ev.PTS,
		"error_kind", codecerr.KindOf(ev.Err),
		"error", ev.Err,
	)
}

func runPipeline(ctx context.Context, log *slog.Logger, s config.Settings, key string, duration time.Duration) error {
	var (
		videoCfg config.Video
		audioCfg config.Audio
		err      error
	)
	if s.Pipeline.Video {
		if videoCfg, err = s.VideoConfig(); err != nil {
			return err
		}
	}
	if s.Pipeline.Audio {
		if audioCfg, err = s.AudioConfig(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	clk := clock.New()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clk.WithTimeout(ctx, duration)
		defer cancel()
	}

	log.Info("avpipe starting",
		"version", version,
		"key", key,
		"video", videoCfg.String(),
		"audio", audioCfg.String(),
		"loopback", s.Pipeline.Loopback,
	)

	render := &renderSink{log: log.With("component", "render")}
	p, err := pipeline.New(pipeline.Options{
		Key:               key,
		Video:             videoCfg,
		Audio:             audioCfg,
		Loopback:          s.Pipeline.Loopback,
		Render:            render,
		Service:           softcodec.New(log),
		VideoManufacturer: s.Codec.VideoManufacturer,
		AudioManufacturer: s.Codec.AudioManufacturer,
		Log:               log,
		Clock:             clk,
	})
	if err != nil {
		return err
	}

	mgr := stream.NewManager(log, clk)
	if _, ok := mgr.Create(key, p); !ok {
		return multierr.Append(fmt.Errorf("stream %q already running", key), p.Close(context.Background()))
	}

	src := capture.New(capture.Options{Video: videoCfg, Audio: audioCfg, Clock: clk, Log: log})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Run(ctx) })
	g.Go(func() error { return p.Run(ctx, src) })
	if vr := p.VideoRelay(); vr != nil {
		g.Go(func() error {
			if vr.WaitVideoInfo(ctx) {
				info, _ := vr.VideoInfo()
				log.Info("video stream described", "codec", info.Codec, "width", info.Width, "height", info.Height)
			}
			return nil
		})
	}
	g.Go(func() error {
		t := clk.Ticker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				logStats(log, p.Debug(), src.Stats(), render)
			}
		}
	})

	err = multierr.Append(g.Wait(), mgr.CloseAll(context.Background()))
	logStats(log, p.Debug(), src.Stats(), render)
	if err != nil {
		log.Error("pipeline error", "error", err)
		return err
	}
	log.Info("avpipe stopped")
	return nil
}

func logStats(log *slog.Logger, d pipeline.PipelineDebug, c capture.Stats, r *renderSink) {
	queued := 0
	for _, s := range d.Sessions {
		queued += s.Queued
	}
	log.Info("stats",
		"uptime_ms", d.UptimeMs,
		"captured_video", c.VideoFrames,
		"captured_audio", c.AudioBlocks,
		"capture_dropped", c.VideoDropped+c.AudioDropped,
		"video_ingested", d.VideoIngested,
		"audio_ingested", d.AudioIngested,
		"ingest_errors", d.IngestErrors,
		"video_units", d.VideoRelay.Units,
		"video_bytes", d.VideoRelay.Bytes,
		"key_frames", d.VideoRelay.KeyFrames,
		"audio_units", d.AudioRelay.Units,
		"encoder_dropped", d.VideoRelay.Dropped+d.AudioRelay.Dropped,
		"session_queued", queued,
		"rendered_video", r.video.Load(),
		"rendered_audio", r.audio.Load(),
		"render_events", r.events.Load(),
		"audio_peak", r.peak.Load(),
	)
}
