package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/repotalk/internal/app"
	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/internal/config"
	"github.com/seanblong/repotalk/pkg/models"
)

var (
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	green  = color.New(color.FgGreen)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
	faint  = color.New(color.Faint)
)

// Ingester and Answerer are the parts of app.App the chat loop drives.
type Ingester interface {
	Ingest(ctx context.Context, url, branch string, force bool) models.IngestResult
}

type Answerer interface {
	Answer(ctx context.Context, query, repoID string) models.Answer
}

func main() {
	fs := pflag.NewFlagSet("repotalk", pflag.ExitOnError)
	force := fs.Bool("force", false, "Drop cached chunks and ingest the repository again")
	noColor := fs.Bool("no-color", false, "Disable colored output")

	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		_, _ = red.Fprintf(os.Stderr, "✗ failed to load configuration: %v\n", err)
		os.Exit(apperr.ExitCode(err))
	}
	fs.Usage = cfg.Usage
	if *noColor {
		color.NoColor = true
	}
	if strings.TrimSpace(cfg.RepoURL) == "" {
		_, _ = red.Fprintln(os.Stderr, "✗ --git-repo is required")
		os.Exit(apperr.ExitConfig)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		_, _ = red.Fprintf(os.Stderr, "✗ invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(apperr.ExitConfig)
	}
	// Logs go to stderr so they do not interleave with answers.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: color.NoColor}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		_, _ = red.Fprintf(os.Stderr, "✗ startup failed: %v\n", err)
		os.Exit(apperr.ExitCode(err))
	}
	code := run(ctx, a.Indexer, a.Answerer, cfg.RepoURL, cfg.GitRef, *force, os.Stdin, os.Stdout)
	a.Close()
	os.Exit(code)
}

// run ingests the repository, then answers questions read from in until
// exit, quit or end of input.
func run(ctx context.Context, ix Ingester, ans Answerer, url, branch string, force bool, in io.Reader, out io.Writer) int {
	_, _ = cyan.Fprintf(out, "ℹ preparing %s (%s)\n", url, branch)
	res := ix.Ingest(ctx, url, branch, force)
	switch res.Outcome {
	case models.OutcomeAlreadyIndexed:
		_, _ = green.Fprintf(out, "✓ %s already indexed\n", res.RepoID)
	case models.OutcomeIngested:
		_, _ = green.Fprintf(out, "✓ indexed %s: %d files, %d chunks in %s\n", res.RepoID, res.Files, res.Chunks, res.Duration.Round(time.Millisecond))
	default:
		_, _ = red.Fprintf(out, "✗ ingestion %s\n", res.Status())
		return apperr.ExitNetwork
	}

	_, _ = faint.Fprintln(out, "Ask about the repository. Type exit or quit to leave.")
	scanner := bufio.NewScanner(in)
	for {
		_, _ = bold.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		q := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(q) {
		case "":
			continue
		case "exit", "quit":
			return apperr.ExitSuccess
		}
		if ctx.Err() != nil {
			break
		}

		answer := ans.Answer(ctx, q, res.RepoID)
		_, _ = fmt.Fprintln(out, answer.Text)
		if len(answer.Sources) > 0 {
			_, _ = faint.Fprintf(out, "sources: %s\n", strings.Join(answer.Sources, ", "))
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = yellow.Fprintf(out, "⚠ reading input: %v\n", err)
	}
	_, _ = fmt.Fprintln(out)
	return apperr.ExitSuccess
}
