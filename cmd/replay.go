package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/meetwise/internal/dispatch"
	"github.com/meetwise/internal/logging"
	"github.com/meetwise/internal/retrieval"
	"github.com/meetwise/internal/session"
	"github.com/meetwise/internal/tasks"
	"github.com/meetwise/internal/transcript"
)

// ReplayCommand returns the replay command
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Feed a recorded transcript (JSON lines) through the pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "brief",
				Aliases: []string{"b"},
				Usage:   "Load the meeting brief from `FILE` (JSON)",
			},
			&cli.BoolFlag{
				Name:  "approve",
				Usage: "Approve every visible proposed task before the session ends",
			},
			&cli.StringSliceFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "Post-meeting question to answer after teardown (repeatable)",
			},
		},
		ArgsUsage: "TRANSCRIPT_JSONL",
		Action:    runReplay,
	}
}

func runReplay(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: transcript file")
	}
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}
	brief, err := loadBrief(c.String("brief"))
	if err != nil {
		return fmt.Errorf("failed to load brief: %w", err)
	}

	id := "replay-" + uuid.NewString()[:8]
	ctx := c.Context
	s, cleanup, err := buildSession(ctx, cfg, id, brief, true, logging.ForSession(id))
	if err != nil {
		return err
	}
	defer cleanup()
	if err := s.Start(ctx); err != nil {
		return err
	}

	f, err := os.Open(c.Args().Get(0))
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if err := feed(ctx, s, f, os.Stdout); err != nil {
		return err
	}
	if err := s.Settle(ctx); err != nil {
		fmt.Printf("extraction: %v\n", err)
	}

	if c.Bool("approve") {
		approveVisible(ctx, s)
	}

	fmt.Println("\n=== Advisories ===")
	for _, p := range s.Advisories(ctx) {
		fmt.Printf("[%s] %s\n", p.Kind, p.Message)
	}

	report, err := s.Teardown(ctx)
	if err != nil && !errors.Is(err, dispatch.ErrPendingDispatches) {
		return err
	}
	if report.PendingDispatches {
		fmt.Println("\nALARM: session ended with pending dispatches")
	}

	fmt.Printf("\n=== Board (%d segments, %d gaps) ===\n", report.Segments, report.Gaps)
	all, err := s.Tasks().List(ctx, false)
	if err != nil {
		return err
	}
	printBoard(os.Stdout, all, cfg.Extraction.VisibilityThreshold)

	for _, q := range c.StringSlice("query") {
		res, err := s.Query(ctx, retrieval.Query{Text: q, Mode: retrieval.ModePostMeeting})
		if err != nil {
			return fmt.Errorf("query %q: %w", q, err)
		}
		fmt.Printf("\n=== %s ===\n", q)
		if res.NoMatch {
			fmt.Println("No matching sources.")
			continue
		}
		for _, e := range res.Entries {
			fmt.Printf("%.2f  %s [%s]\n      %s\n", e.Score, e.SourceLabel, e.Tier, e.Snippet)
		}
	}
	return nil
}

// feed admits each JSON line of r. Rejected segments are reported and
// skipped; the replay carries on like a live feed would.
func feed(ctx context.Context, s *session.Session, r io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var raw transcript.RawSegment
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			fmt.Fprintf(out, "line %d: invalid segment: %v\n", line, err)
			continue
		}
		if _, err := s.Admit(ctx, raw); err != nil {
			fmt.Fprintf(out, "line %d: %v\n", line, err)
		}
	}
	return scanner.Err()
}

func approveVisible(ctx context.Context, s *session.Session) {
	list, err := s.Tasks().List(ctx, true)
	if err != nil {
		fmt.Printf("approve: %v\n", err)
		return
	}
	for _, t := range list {
		if t.Status != tasks.StatusProposed {
			continue
		}
		v, err := s.Tasks().MoveStatus(ctx, t.ID, tasks.StatusProposed, tasks.StatusTodo, t.Version)
		if err == nil {
			_, err = s.Tasks().Approve(ctx, t.ID, v)
		}
		if err != nil {
			fmt.Printf("approve %s: %v\n", t.ID, err)
		}
	}
}

func printBoard(w io.Writer, list []tasks.Task, threshold float64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCONF\tOWNER\tDUE\tDESCRIPTION\tDISPATCH")
	for _, t := range list {
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.Format("2006-01-02")
		}
		conf := fmt.Sprintf("%.2f", t.Confidence)
		if t.Status == tasks.StatusProposed && t.Confidence < threshold {
			conf += " (hidden)"
		}
		state := string(t.DispatchState)
		if t.DispatchError != "" {
			state += ": " + t.DispatchError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Status, conf, t.Owner, due, t.Description, state)
	}
	tw.Flush()
}
