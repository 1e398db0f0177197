package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/meetwise/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "meetwise.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	configPath := c.String("config")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Println("Configuration is valid")
	describeConfig(os.Stdout, cfg)
	return nil
}

// describeConfig prints the settings that shape a meeting session.
func describeConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "\nMeeting: %d minutes scheduled, reminder %d minutes before the end\n",
		cfg.Facilitator.ScheduledMinutes, cfg.Facilitator.ReminderLeadMinutes)
	fmt.Fprintf(w, "Extraction: %s detector, visibility threshold %.2f\n",
		cfg.Extraction.Detector, cfg.Extraction.VisibilityThreshold)
	gateway := cfg.Dispatch.GatewayURL
	if gateway == "" {
		gateway = "in-memory"
	}
	fmt.Fprintf(w, "Dispatch: %s backend, gateway %s, %d retries\n",
		cfg.Dispatch.Backend, gateway, cfg.Dispatch.MaxRetries)
	fmt.Fprintf(w, "Retrieval: epsilon %.2f, min score %.2f, live window %d segments\n",
		cfg.Retrieval.Epsilon, cfg.Retrieval.MinScore, cfg.Retrieval.LiveWindow)
	fmt.Fprintf(w, "Topic checklist (%d):\n", len(cfg.Facilitator.Topics))
	for _, topic := range cfg.Facilitator.Topics {
		fmt.Fprintf(w, "  - %s [%s]\n", topic.Name, strings.Join(topic.Keywords, ", "))
	}
}
