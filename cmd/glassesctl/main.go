package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-glasses/internal/audio"
	"github.com/loqalabs/loqa-glasses/internal/classifier"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/loqalabs/loqa-glasses/internal/stt"
	"github.com/loqalabs/loqa-glasses/internal/vad"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'classify', 'segment' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "classify":
		err = runClassify(os.Args[2:])
	case "segment":
		err = runSegment(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runClassify(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	mode := fs.String("mode", string(protocol.ModeConversational), "Session mode to classify under")
	fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return fmt.Errorf("usage: glassesctl classify [-mode m] \"<text>\"")
	}
	m, err := protocol.ParseMode(*mode)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	c, err := classifier.New(cfg.Classifier)
	if err != nil {
		return err
	}
	res := c.Classify(text, m)
	fmt.Printf("category=%s budget=%d\n", res.Category, res.Budget)
	return nil
}

func runSegment(args []string) error {
	fs := flag.NewFlagSet("segment", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	file := fs.String("file", "", "16-bit PCM WAV file to segment")
	transcribe := fs.Bool("transcribe", false, "Run the configured recognizer on each utterance")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("usage: glassesctl segment -file in.wav")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	model, err := vad.NewEnergyModel(cfg.VAD.Aggressiveness)
	if err != nil {
		return err
	}
	segmenter := vad.NewSegmenter(vad.OptionsFromConfig(cfg.VAD, cfg.Audio), model, logger)

	var transcriber *stt.Transcriber
	if *transcribe {
		recognizer, err := stt.New(cfg.STT)
		if err != nil {
			return err
		}
		transcriber = stt.NewTranscriber(cfg.STT, recognizer, nil, logger)
	}

	ctx := context.Background()
	source := &audio.WAVSource{Path: *file, SessionID: "glassesctl", FrameDurationMS: cfg.Audio.FrameDurationMS}
	frames, err := source.Frames(ctx)
	if err != nil {
		return err
	}

	count := 0
	for u := range segmenter.Run(ctx, frames) {
		count++
		line := fmt.Sprintf("%d\t%s\tframes=%d\tduration=%s", count, u.ID, len(u.Frames), u.Duration)
		if transcriber != nil {
			res, err := transcriber.Final(ctx, u.SessionID, u.ID, u.PCM(), u.SampleRate, u.Channels)
			if err != nil {
				return err
			}
			line += "\t" + res.Text
		}
		fmt.Println(line)
	}
	fmt.Printf("%d utterance(s)\n", count)
	return nil
}
