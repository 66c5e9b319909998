package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/app"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/replay"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
)

type replayOptions struct {
	file       string
	speed      float64
	keys       []string
	scopes     []string
	endpoints  []string
	behavior   bool
	outputJSON bool
}

func newReplayCmd(g *globalOptions) *cobra.Command {
	var o replayOptions

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a decision journal through the configured limits",
		Long: `Replays journaled admission requests through the tiers, pools and
lists in the current config, on a virtual clock.

Events are replayed in timestamp order and the virtual clock advances by
the recorded gaps, so quota windows behave as they did in production.
Verdicts that differ from the recorded ones are flagged as changed.

Speed: 0 = instant, 1 = real-time, 10 = 10x, 100 = 100x`,
		Example: `  turnstile replay --file journal.ndjson
  turnstile replay --file journal.ndjson --config candidate.yaml
  turnstile replay --file journal.ndjson --scopes auth --keys ip:10.0.0.7
  turnstile replay --file journal.ndjson --speed 100 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.file == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			cfg.Store.Mode = storage.ModeLocal
			cfg.Behavior.Enabled = o.behavior
			return runReplay(cmd.Context(), cmd.OutOrStdout(), cfg, o)
		},
	}

	cmd.Flags().StringVar(&o.file, "file", "", "path to a journal file (required)")
	cmd.Flags().Float64Var(&o.speed, "speed", 0, "replay speed (0=instant, 1=real-time, 10=10x)")
	cmd.Flags().StringSliceVar(&o.keys, "keys", nil, "filter by identity keys (comma-separated)")
	cmd.Flags().StringSliceVar(&o.scopes, "scopes", nil, "filter by limiter scopes (comma-separated)")
	cmd.Flags().StringSliceVar(&o.endpoints, "endpoints", nil, "filter by endpoints (comma-separated)")
	cmd.Flags().BoolVar(&o.behavior, "behavior", false, "feed replayed denials to the behavior tracker")
	cmd.Flags().BoolVar(&o.outputJSON, "json", false, "output results as JSON")
	return cmd
}

func runReplay(ctx context.Context, w io.Writer, cfg config.Config, o replayOptions) error {
	vc := clock.NewVirtualClock(time.Now().UTC())
	stack, err := app.Build(ctx, cfg, app.WithClock(vc))
	if err != nil {
		return err
	}
	defer stack.Close(context.Background())

	r := replay.New(stack.Controller, vc, o.speed, replay.Filter{
		Keys:      o.keys,
		Scopes:    o.scopes,
		Endpoints: o.endpoints,
	})
	f, err := os.Open(o.file)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()
	if err := r.Load(f); err != nil {
		return err
	}

	if !o.outputJSON {
		fmt.Fprintf(w, "Replaying %s at %.0fx speed...\n\n", o.file, o.speed)
	}

	var results []replay.Result
	summary, err := r.Run(ctx, func(res replay.Result) {
		if o.outputJSON {
			results = append(results, res)
			return
		}
		status := "ALLOW"
		if !res.Decision.Allowed {
			status = "DENY "
		}
		mark := ""
		if res.Changed {
			mark = "  (changed)"
		}
		req := res.Event.Decision.Request
		fmt.Fprintf(w, "  [%s] %s %-6s key=%s reason=%s remaining=%d/%d%s\n",
			status,
			res.Time.Format("15:04:05"),
			res.Decision.Scope,
			req.Identity.Key,
			res.Decision.Reason,
			res.Decision.Remaining,
			res.Decision.Limit,
			mark)
	})
	if err != nil {
		return err
	}

	if o.outputJSON {
		return writeJSON(w, map[string]any{
			"results": results,
			"summary": summary,
		})
	}
	printReplaySummary(w, summary)
	return nil
}

func printReplaySummary(w io.Writer, s *replay.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "--- Replay Summary ---")
	fmt.Fprintf(w, "  Total events:   %d\n", s.TotalEvents)
	fmt.Fprintf(w, "  Filtered:       %d\n", s.Filtered)
	fmt.Fprintf(w, "  Replayed:       %d\n", s.Replayed)
	fmt.Fprintf(w, "  Allowed:        %d\n", s.Allowed)
	fmt.Fprintf(w, "  Denied:         %d\n", s.Denied)
	fmt.Fprintf(w, "  Changed:        %d\n", s.Changed)
	fmt.Fprintf(w, "  Virtual time:   %s\n", s.Duration)
	fmt.Fprintf(w, "  Wall time:      %s\n", s.WallDuration.Round(time.Millisecond))

	if len(s.PerReason) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Per reason:")
		for _, reason := range sortedNames(s.PerReason) {
			fmt.Fprintf(w, "    %s: %d\n", reason, s.PerReason[reason])
		}
	}
	if len(s.PerKey) > 1 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Per key:")
		for _, key := range sortedNames(s.PerKey) {
			ks := s.PerKey[key]
			fmt.Fprintf(w, "    %s: %d allowed, %d denied, %d changed\n", key, ks.Allowed, ks.Denied, ks.Changed)
		}
	}

	if s.Denied > 0 && s.Allowed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		denyRate := float64(s.Denied) / float64(s.Replayed) * 100
		fmt.Fprintf(w, "Deny rate: %.1f%% (%d/%d requests denied)\n", denyRate, s.Denied, s.Replayed)
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
