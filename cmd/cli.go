// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wearstream/internal/audio"
	"wearstream/internal/build"
	"wearstream/internal/catalog"
	"wearstream/internal/client"
	"wearstream/internal/config"
	"wearstream/internal/device"
	"wearstream/internal/events"
	"wearstream/internal/log"
	"wearstream/internal/media"
	"wearstream/internal/metrics"
	"wearstream/internal/peer"
	"wearstream/internal/protocol"
)

// options holds global flag values until they are merged into the config.
type options struct {
	configPath   string
	address      string
	processor    int
	verbose      bool
	record       bool
	output       string
	inputDevice  int
	outputDevice int
	lowLatency   bool
	metrics      bool
}

// Execute parses args and runs the selected command until it finishes or
// ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	buildInfo := build.GetBuildFlags()
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
	}
	rootCmd.SetVersionTemplate(buildInfo.String() + "\n")

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// Session Configuration
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "f", "",
		"Path to a YAML config file (default: wearstream.yaml or config.yaml if present)")
	pf.StringVarP(&opts.address, "address", "a", config.DefaultAddress,
		"Live endpoint of the processing service (ws:// or wss://)")
	pf.IntVarP(&opts.processor, "processor", "p", config.DefaultProcessor,
		"Processor id attached to outgoing frames. Use 'processors' to see available ids.")

	// Audio Device Configuration
	pf.IntVar(&opts.inputDevice, "input-device", config.DefaultDeviceID,
		"Input device ID. Use 'list' command to see available devices.")
	pf.IntVar(&opts.outputDevice, "output-device", config.DefaultDeviceID,
		"Output device ID for playback")
	pf.BoolVarP(&opts.lowLatency, "low-latency", "l", false,
		"Use low latency mode for real-time processing")

	// Recording Configuration
	pf.BoolVarP(&opts.record, "record", "r", false,
		"Record captured audio to a WAV file")
	pf.StringVarP(&opts.output, "output", "o", config.DefaultRecordingDir,
		"Directory for recordings")

	// Debug Configuration
	pf.BoolVarP(&opts.verbose, "verbose", "v", false,
		"Show verbose output")
	pf.BoolVar(&opts.metrics, "metrics", false,
		"Serve Prometheus metrics on metrics.address")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newSimulateCmd(opts),
		newProcessorsCmd(opts),
		newListCmd(),
		newPeerCmd(opts),
	)

	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// load reads the config file and environment, then applies the flags the
// user actually set on the command line.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Session.Address = o.address
	}
	if flags.Changed("processor") {
		cfg.Session.Processor = o.processor
	}
	if flags.Changed("input-device") {
		cfg.Audio.InputDevice = o.inputDevice
	}
	if flags.Changed("output-device") {
		cfg.Audio.OutputDevice = o.outputDevice
	}
	if flags.Changed("low-latency") {
		cfg.Audio.LowLatency = o.lowLatency
	}
	if flags.Changed("record") {
		cfg.Recording.Enabled = o.record
	}
	if flags.Changed("output") {
		cfg.Recording.OutputDir = o.output
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled = o.metrics
	}
	if o.verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, ok := log.ParseLevel(cfg.LogLevel)
	if !ok {
		log.Warnf("Unknown log level %q, using %s", cfg.LogLevel, level)
	}
	log.SetLevel(level)
	return cfg, nil
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stream the microphone to the service and play its responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			// Keep PortAudio initialized across capture and playback sessions.
			if err := device.Initialize(); err != nil {
				return err
			}
			defer device.Terminate()

			c := client.New(cfg, client.Deps{
				Sources:    device.MicFactory(cfg.Audio),
				Sinks:      device.SpeakerFactory(cfg.Audio),
				Permission: device.CapturePermitted(cfg.Audio.InputDevice),
			})
			return serve(cmd.Context(), cfg, func(ctx context.Context) error {
				logEvents(c.Bus())
				log.Infof("Streaming to %s, press Ctrl+C to stop", cfg.Session.Address)
				return c.Run(ctx)
			})
		},
	}
}

func newSimulateCmd(opts *options) *cobra.Command {
	var (
		audioPath   string
		framesDir   string
		duration    time.Duration
		linger      time.Duration
		speaker     bool
		playbackDir string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stream a WAV file and still frames as if they came from the glasses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			format := audio.Format{SampleRate: int(cfg.Audio.SampleRate), Channels: config.DefaultChannels}
			chunk := format.Duration(cfg.Audio.FramesPerBuffer * audio.BytesPerSample)

			var pcm []byte
			if audioPath != "" {
				if pcm, err = audio.LoadWAV(audioPath, format); err != nil {
					return err
				}
				log.Infof("Loaded %s (%s of audio)", audioPath, format.Duration(len(pcm)).Round(time.Millisecond))
			} else {
				log.Infof("No audio file, generating %s of background noise", duration)
			}

			var frames []string
			if framesDir != "" {
				if frames, err = media.FrameFiles(framesDir); err != nil {
					return err
				}
			}

			deps := client.Deps{
				Sources: func() (audio.MicSource, error) {
					if pcm == nil {
						return audio.NewSyntheticSource(duration, format, chunk), nil
					}
					return audio.NewFileSource(pcm, format, chunk, true), nil
				},
				Sinks: audio.NewWAVSinkFactory(playbackDir, format, cfg.Audio.PlaybackFrames),
			}
			if speaker {
				if err := device.Initialize(); err != nil {
					return err
				}
				defer device.Terminate()
				deps.Sinks = device.SpeakerFactory(cfg.Audio)
			}

			c := client.New(cfg, deps)
			return serve(cmd.Context(), cfg, func(ctx context.Context) error {
				logEvents(c.Bus())
				return c.Simulate(ctx, client.SimulateOptions{Frames: frames, Linger: linger})
			})
		},
	}

	cmd.Flags().StringVarP(&audioPath, "audio", "i", "", "WAV file to stream (any rate, mixed down to mono)")
	cmd.Flags().StringVar(&framesDir, "frames", "", "Directory of JPEG/PNG/WebP frames sent in name order")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "Length of generated audio when no file is given")
	cmd.Flags().DurationVar(&linger, "linger", 5*time.Second, "How long to wait for responses after the input ends")
	cmd.Flags().BoolVar(&speaker, "speaker", false, "Play responses on the output device instead of writing WAV files")
	cmd.Flags().StringVar(&playbackDir, "playback-dir", "./playback", "Directory for played responses when --speaker is off")
	return cmd
}

func newProcessorsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "processors",
		Short: "List the processors offered by the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			cat := catalog.New(catalog.DefaultClientFactory(cfg.Session.CatalogTimeout))
			list, err := cat.Fetch(cmd.Context(), cfg.Session.Address)
			if err != nil {
				return err
			}
			return writeProcessors(cmd.OutOrStdout(), list)
		},
	}
}

func writeProcessors(w io.Writer, list []protocol.ProcessorDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tINPUT\tDEPENDS ON\tDESCRIPTION")
	for _, p := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%s\n", p.ID, p.Name, p.ExpectsInput, p.Dependencies, p.Description)
	}
	return tw.Flush()
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return device.ListDevices(cmd.OutOrStdout())
		},
	}
}

func newPeerCmd(opts *options) *cobra.Command {
	var (
		listen string
		echo   bool
	)

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a local stub of the processing service for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Peer.Listen = listen
			}
			if cmd.Flags().Changed("echo") {
				cfg.Peer.Echo = echo
			}

			format := audio.Format{SampleRate: int(cfg.Audio.SampleRate), Channels: config.DefaultChannels}
			p := peer.New(cfg.Peer, peer.WithFormat(format))
			return serve(cmd.Context(), cfg, p.ListenAndServe)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", config.DefaultPeerListen, "Address to listen on")
	cmd.Flags().BoolVar(&echo, "echo", true, "Stream each utterance back as playback chunks")
	return cmd
}

// serve runs fn alongside the metrics exporter, when enabled. The
// exporter is shut down once fn returns.
func serve(ctx context.Context, cfg *config.Config, fn func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return fn(runCtx)
	})

	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(cfg.Metrics.Address)
		g.Go(func() error {
			log.Infof("Metrics: serving on %s/metrics", cfg.Metrics.Address)
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics exporter: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return exporter.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// logEvents prints peer events as they arrive.
func logEvents(bus *events.Bus) {
	bus.Subscribe(events.MediaResult, func(e events.Event) {
		r := e.Payload.(protocol.MediaResult)
		kind := r.Kind
		if kind == "" {
			kind = "result"
		}
		if r.HasText {
			log.Infof("Peer [%s]: %s", kind, r.Text)
		}
		if r.HasImage {
			log.Infof("Peer [%s]: image (%d bytes)", kind, len(r.Image))
		}
	})
	bus.Subscribe(events.CatalogUpdated, func(e events.Event) {
		list := e.Payload.([]protocol.ProcessorDescriptor)
		for _, p := range list {
			log.Debugf("Processor %d: %s (%s)", p.ID, p.Name, p.ExpectsInput)
		}
	})
}
