package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/meetwise/internal/api"
	"github.com/meetwise/internal/dispatch"
	"github.com/meetwise/internal/logging"
)

const teardownTimeout = 30 * time.Second

// ServeCommand returns the CLI command for running a live meeting session
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a meeting session behind the HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
			&cli.StringFlag{
				Name:    "brief",
				Aliases: []string{"b"},
				Usage:   "Load the meeting brief from `FILE` (JSON); the sample brief is used otherwise",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session id (random when empty)",
			},
			&cli.BoolFlag{
				Name:  "seed",
				Usage: "Index the starter catalog and compliance documents",
				Value: true,
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}

	id := c.String("session")
	if id == "" {
		id = uuid.NewString()
	}
	logger := logging.ForSession(id)
	if cfg.Logging.Dir != "" {
		sl, err := logging.StartSessionLog(cfg.Logging.Dir, id)
		if err != nil {
			return err
		}
		defer sl.Close()
		logger = sl.Logger()
	}

	brief, err := loadBrief(c.String("brief"))
	if err != nil {
		return fmt.Errorf("failed to load brief: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, cleanup, err := buildSession(ctx, cfg, id, brief, c.Bool("seed"), logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := s.Start(ctx); err != nil {
		return err
	}

	port := c.Int("port")
	if port == 0 {
		port = cfg.Server.Port
	}
	fmt.Printf("Session %s (%s) listening on port %d\n", id, brief.Title, port)

	serveErr := api.NewServer(port, s, logger).Start(ctx)

	if !s.Ended() {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		report, err := s.Teardown(tctx)
		switch {
		case errors.Is(err, dispatch.ErrPendingDispatches):
			logger.Error().Err(err).Msg("session ended with pending dispatches")
		case err != nil:
			return err
		}
		logger.Info().Int("segments", report.Segments).Int("gaps", report.Gaps).Msg("session closed on shutdown")
	}
	return serveErr
}
