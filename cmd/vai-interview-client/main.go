// Command vai-interview-client runs a voice interview from the terminal.
// Press Enter to start talking and Enter again to stop; type /text <msg> to
// send text and /quit to end the session.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/vango-go/vai-interview/internal/dotenv"
	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/audio/capture"
	"github.com/vango-go/vai-interview/pkg/audio/device"
	"github.com/vango-go/vai-interview/pkg/audio/playback"
	"github.com/vango-go/vai-interview/pkg/client"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

const defaultServer = "http://localhost:8080"

type options struct {
	Server  string `short:"s" long:"server" env:"VAI_INTERVIEW_SERVER" default:"http://localhost:8080" description:"interview server base URL"`
	Mode    string `short:"m" long:"mode" default:"technical" description:"interview mode key"`
	NoMic   bool   `long:"no-mic" description:"text only; never open the microphone"`
	NoAudio bool   `long:"no-speaker" description:"do not open the speaker; agent audio is dropped"`
	Debug   bool   `short:"d" long:"debug" description:"debug logging"`

	MinBufferedMS int `long:"min-buffered-ms" default:"100" description:"queued agent audio that triggers playback"`
	MaxWaitMS     int `long:"max-wait-ms" default:"100" description:"longest wait for more agent audio before playing"`
}

func parseOptions(args []string) (options, error) {
	var opt options
	parser := flags.NewParser(&opt, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return options{}, err
	}
	// An exported but empty VAI_INTERVIEW_SERVER overrides the tag default.
	opt.Server = strings.TrimSpace(opt.Server)
	if opt.Server == "" {
		opt.Server = defaultServer
	}
	opt.Mode = strings.TrimSpace(opt.Mode)
	if opt.Mode == "" {
		return options{}, errors.New("--mode must not be empty")
	}
	if opt.MinBufferedMS <= 0 || opt.MaxWaitMS <= 0 {
		return options{}, errors.New("--min-buffered-ms and --max-wait-ms must be > 0")
	}
	if _, err := client.LiveURL(opt.Server); err != nil {
		return options{}, fmt.Errorf("invalid --server: %w", err)
	}
	return opt, nil
}

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runMain(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-interview-client: %v\n", err)
		return 1
	}
	opt, err := parseOptions(args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintf(stderr, "vai-interview-client: %v\n", err)
		return 2
	}

	level := slog.LevelInfo
	if opt.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opt, logger, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "vai-interview-client: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, opt options, logger *slog.Logger, stdin io.Reader, stdout io.Writer) error {
	var out playback.Output
	if !opt.NoAudio {
		speaker, err := device.NewSpeaker(audio.Output)
		if err != nil {
			return err
		}
		defer speaker.Close()
		out = speaker
	}
	player := playback.New(out, playback.Options{
		Format:      audio.Output,
		MinBuffered: time.Duration(opt.MinBufferedMS) * time.Millisecond,
		MaxWait:     time.Duration(opt.MaxWaitMS) * time.Millisecond,
	}, logger)
	defer player.Close()

	c, err := client.Dial(ctx, opt.Server, client.Options{
		Logger: logger,
		Player: player,
		Events: client.Events{
			OnTranscript: func(e protocol.ServerTranscriptEntry) {
				fmt.Fprintf(stdout, "[%d %s] %s\n", e.Sequence, e.Speaker, e.Text)
			},
			OnInterruption: func(turnID int64) {
				logger.Debug("agent turn interrupted", "turn_id", turnID)
			},
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	created, err := c.Create(ctx, opt.Mode)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "session %s started (mode %s). Enter toggles the microphone, /text <msg> sends text, /quit ends.\n", created.SessionID, created.Mode)

	var mic *capture.Pipeline
	if !opt.NoMic {
		mic = capture.New(device.NewMicrophone(audio.Input), c, logger)
		defer mic.Stop()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				lines = nil
				if err := c.End(ctx); err != nil {
					return err
				}
				continue
			}
			if err := handleLine(ctx, c, mic, line, stdout); err != nil {
				return err
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, mic *capture.Pipeline, line string, stdout io.Writer) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "/quit":
		if mic != nil {
			_ = mic.Stop()
		}
		return c.End(ctx)
	case strings.HasPrefix(line, "/text "):
		text := strings.TrimSpace(strings.TrimPrefix(line, "/text "))
		if text == "" {
			return nil
		}
		return c.SendText(ctx, text)
	case line == "":
		if mic == nil {
			fmt.Fprintln(stdout, "microphone disabled (--no-mic)")
			return nil
		}
		if mic.Running() {
			if err := mic.Stop(); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "-- mic off --")
			return nil
		}
		if err := mic.Start(); err != nil {
			var derr *audio.DeviceError
			if errors.As(err, &derr) {
				fmt.Fprintf(stdout, "microphone unavailable: %v\n", derr)
				return nil
			}
			return err
		}
		fmt.Fprintln(stdout, "-- mic on --")
		return nil
	default:
		fmt.Fprintf(stdout, "unknown command %q\n", line)
		return nil
	}
}
