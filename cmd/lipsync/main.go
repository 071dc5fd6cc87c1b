package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-lipsync/internal/assets"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/fetch"
	"github.com/loqalabs/loqa-lipsync/internal/lipsync"
	"github.com/loqalabs/loqa-lipsync/internal/media"
	"github.com/loqalabs/loqa-lipsync/internal/viseme"
)

var version = "0.1.0-dev"

const usage = "expected 'generate', 'visemes', 'assets validate' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(os.Args[2:])
	case "visemes":
		err = runVisemes(os.Args[2:])
	case "assets":
		if len(os.Args) < 3 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = runAssetsValidate(os.Args[3:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, lipsync.ErrInvalidInput) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	text := fs.String("text", "", "Text to lip-sync")
	audio := fs.String("audio", "", "Audio file path or http(s) URL")
	gender := fs.Int("gender", -1, "1 for male, 0 for female")
	interval := fs.Float64("interval", -1, "Seconds per character, in (0, 2]")
	out := fs.String("out", "", "Output video path")
	silent := fs.Bool("silent", false, "Use generated silence as long as the visemes instead of -audio")
	verbose := fs.Bool("v", false, "Log pipeline progress to stderr")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var genderPtr *int
	if *gender >= 0 {
		genderPtr = gender
	}
	var intervalPtr *float64
	if *interval >= 0 {
		intervalPtr = interval
	}
	req := lipsync.RequestFromDefaults(cfg.LipSync, *text, *audio, genderPtr, intervalPtr)
	req.Output = *out
	req.Origin = "cli"

	library, err := assets.Open(cfg.Assets)
	if err != nil {
		return err
	}
	backend, err := media.New(cfg.Media, logger)
	if err != nil {
		return err
	}
	extractor := viseme.NewExtractor(nil)

	if *silent {
		n := len(extractor.Sequence(req.Text))
		if n == 0 {
			return fmt.Errorf("text contains no Chinese or Latin letters")
		}
		tmp, err := os.MkdirTemp(cfg.LipSync.WorkDir, "lipsync-silence-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		req.AudioSource = filepath.Join(tmp, "silence.wav")
		if err := media.WriteSilence(req.AudioSource, float64(n)*req.CharInterval, 16000, 1); err != nil {
			return err
		}
		seconds, err := media.WAVDuration(req.AudioSource)
		if err != nil {
			return err
		}
		logger.Debug("generated silent track", slog.Float64("seconds", seconds))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := lipsync.NewGenerator(cfg, extractor, library, backend, fetch.New(cfg.Fetch, logger), logger)
	res, err := gen.Generate(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runVisemes(args []string) error {
	fs := flag.NewFlagSet("visemes", flag.ExitOnError)
	text := fs.String("text", "", "Text to map")
	fs.Parse(args)

	seq := viseme.NewExtractor(nil).Sequence(*text)
	if len(seq) == 0 {
		return fmt.Errorf("%w: text contains no Chinese or Latin letters", lipsync.ErrInvalidInput)
	}
	fmt.Println(strings.Join(seq.Strings(), " "))
	return nil
}

func runAssetsValidate(args []string) error {
	fs := flag.NewFlagSet("assets validate", flag.ExitOnError)
	cfg := config.Default().Assets
	fs.StringVar(&cfg.Root, "root", cfg.Root, "Asset pack root directory")
	fs.StringVar(&cfg.MaleDir, "male", cfg.MaleDir, "Male image directory under root")
	fs.StringVar(&cfg.FemaleDir, "female", cfg.FemaleDir, "Female image directory under root")
	fs.StringVar(&cfg.Extension, "ext", cfg.Extension, "Image file extension")
	fs.Parse(args)

	library, err := assets.Open(cfg)
	if err != nil {
		return err
	}
	problems := library.Check()
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, p.String())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d asset problems found", len(problems))
	}
	fmt.Println("assets valid")
	return nil
}
