// Command voxbridge-client is a terminal voice client for the voxbridge relay.
// It captures the microphone with ffmpeg, plays replies through ffplay, and
// reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MrWong99/voxbridge/internal/client/chat"
	"github.com/MrWong99/voxbridge/internal/client/voice"
	"github.com/MrWong99/voxbridge/pkg/audio/device"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	server := flag.String("server", "http://localhost:3000", "relay base URL")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	captureDevice := flag.String("capture-device", "", "ffmpeg input device (platform default when empty)")
	volume := flag.Int("volume", 80, "playback volume 0-100")
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge-client: invalid -log-level %q\n", *logLevel)
		return 2
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Audio devices ─────────────────────────────────────────────────────────
	var micOpts []device.MicOption
	if *captureDevice != "" {
		micOpts = append(micOpts, device.WithInputDevice(*captureDevice))
	}
	speaker := device.NewSpeaker(device.WithVolume(*volume))
	if err := speaker.Open(ctx); err != nil {
		slog.Error("cannot open speaker", "err", err)
		return 1
	}
	defer speaker.Close()

	client := voice.New(voice.Config{
		Server:  *server,
		Mic:     device.NewMicrophone(micOpts...),
		Speaker: speaker,
		Chat:    chat.NewHistory(chat.NewClient(*server)),
		OnNotice: func(text string) {
			fmt.Print("\n" + text + "\n> ")
		},
	})

	// ── Command loop ──────────────────────────────────────────────────────────
	cmds := make(chan voice.Command)
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, cmds) }()

	fmt.Println("voxbridge client, relay", *server)
	fmt.Println(voice.Help)

	lines := readLines(os.Stdin)
	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			close(cmds)
			return exitCode(<-runErr)
		case l, ok := <-lines:
			if !ok {
				close(cmds)
				return exitCode(<-runErr)
			}
			line = l
		}

		cmd, err := voice.ParseCommand(line)
		if errors.Is(err, voice.ErrQuit) {
			close(cmds)
			return exitCode(<-runErr)
		}
		if err != nil {
			fmt.Println(err)
			continue
		}
		if cmd.Op == 0 {
			continue
		}

		res := make(chan voice.Result, 1)
		cmd.Result = res
		select {
		case cmds <- cmd:
		case <-ctx.Done():
			continue
		}
		r := <-res
		if r.Err != nil {
			fmt.Println("error:", r.Err)
			continue
		}
		fmt.Println(r.Output)
	}
}

// readLines delivers stdin lines on a channel that closes at EOF.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- strings.TrimRight(sc.Text(), "\r")
		}
	}()
	return out
}

func exitCode(err error) int {
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client error", "err", err)
		return 1
	}
	return 0
}
