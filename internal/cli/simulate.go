package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/app"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

func newSimulateCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run quota and breaker scenarios on a virtual clock",
		Long: `Runs scenarios against the configured tiers and breakers using a
virtual clock, so windows and reset timeouts can be crossed instantly.`,
	}
	cmd.AddCommand(newSimulateQuotaCmd(g), newSimulateBreakerCmd(g))
	return cmd
}

// newSimStack builds an in-process stack on a virtual clock. Behavior
// tracking is off so results are deterministic.
func newSimStack(cmd *cobra.Command, g *globalOptions) (*app.Stack, *clock.VirtualClock, error) {
	cfg, err := g.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg.Store.Mode = storage.ModeLocal
	cfg.Behavior.Enabled = false
	vc := clock.NewVirtualClock(time.Now().UTC().Truncate(time.Second))
	stack, err := app.Build(context.Background(), cfg, app.WithClock(vc))
	if err != nil {
		return nil, nil, err
	}
	return stack, vc, nil
}

func newSimulateQuotaCmd(g *globalOptions) *cobra.Command {
	var (
		scope       string
		role        string
		keys        []string
		requests    int
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Send batches of requests and watch quotas deny and recover",
		Long: `Sends a batch of requests per key, optionally fast-forwards the
virtual clock, then sends another batch to show the window resetting.`,
		Example: `  turnstile simulate quota --requests 120 --role customer
  turnstile simulate quota --scope auth --requests 8 --fast-forward 15m
  turnstile simulate quota --keys alice,bob --role vendor --requests 600 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(keys) == 0 {
				keys = []string{"sim-user"}
			}
			stack, vc, err := newSimStack(cmd, g)
			if err != nil {
				return err
			}
			defer stack.Close(context.Background())

			result := runQuota(stack.Controller, vc, scope, role, keys, requests, fastForward)
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printQuotaResult(cmd.OutOrStdout(), &result)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "api", "limiter scope")
	cmd.Flags().StringVar(&role, "role", "customer", "role of the simulated identities (empty = anonymous)")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "comma-separated identity keys")
	cmd.Flags().IntVar(&requests, "requests", 110, "requests per key per batch")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "virtual time to skip between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	return cmd
}

// QuotaResult captures a quota simulation.
type QuotaResult struct {
	Scope       string                  `json:"scope"`
	Role        string                  `json:"role,omitempty"`
	FastForward string                  `json:"fast_forward,omitempty"`
	Batches     []QuotaBatch            `json:"batches"`
	Summary     map[string]QuotaSummary `json:"summary"`
}

// QuotaBatch is one batch of requests.
type QuotaBatch struct {
	Label     string          `json:"label"`
	Time      string          `json:"time"`
	Decisions []QuotaDecision `json:"decisions"`
}

// QuotaDecision is one admission decision.
type QuotaDecision struct {
	Key      string             `json:"key"`
	Decision admission.Decision `json:"decision"`
}

// QuotaSummary aggregates per key.
type QuotaSummary struct {
	TotalRequests int    `json:"total_requests"`
	Allowed       int    `json:"allowed"`
	Denied        int    `json:"denied"`
	Tier          string `json:"tier"`
}

func runQuota(ctl *admission.Controller, vc *clock.VirtualClock, scope, role string, keys []string, requests int, fastForward time.Duration) QuotaResult {
	ctx := context.Background()
	result := QuotaResult{Scope: scope, Role: role, Summary: make(map[string]QuotaSummary)}

	batch := func(label string) QuotaBatch {
		b := QuotaBatch{Label: label, Time: vc.Now().Format(time.RFC3339)}
		for i := 0; i < requests; i++ {
			for _, key := range keys {
				d := ctl.Decide(ctx, admission.Request{
					Scope:    scope,
					Identity: tier.Identity{Key: key, Role: role},
					Endpoint: "simulate " + scope,
				})
				b.Decisions = append(b.Decisions, QuotaDecision{Key: key, Decision: d})
				s := result.Summary[key]
				s.TotalRequests++
				s.Tier = d.Tier
				if d.Allowed {
					s.Allowed++
				} else {
					s.Denied++
				}
				result.Summary[key] = s
			}
		}
		return b
	}

	result.Batches = append(result.Batches, batch("Initial requests"))
	if fastForward > 0 {
		vc.Advance(fastForward)
		result.FastForward = fastForward.String()
		result.Batches = append(result.Batches, batch(fmt.Sprintf("After fast-forward %s", fastForward)))
	}
	return result
}

func printQuotaResult(w io.Writer, r *QuotaResult) {
	fmt.Fprintf(w, "=== Quota simulation: scope %s ===\n\n", r.Scope)
	for _, b := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", b.Label, b.Time)
		for i, qd := range b.Decisions {
			status := "ALLOW"
			if !qd.Decision.Allowed {
				status = "DENY "
			}
			fmt.Fprintf(w, "  #%03d [%s] key=%s remaining=%d/%d\n",
				i+1, status, qd.Key, qd.Decision.Remaining, qd.Decision.Limit)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	keys := make([]string, 0, len(r.Summary))
	for k := range r.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := r.Summary[k]
		fmt.Fprintf(w, "  %s (%s): %d total, %d allowed, %d denied\n", k, s.Tier, s.TotalRequests, s.Allowed, s.Denied)
	}
	if r.FastForward != "" {
		fmt.Fprintf(w, "\nFast-forwarded %s of virtual time\n", r.FastForward)
	}
}

func newSimulateBreakerCmd(g *globalOptions) *cobra.Command {
	var (
		name       string
		failures   int
		wait       time.Duration
		trialFails bool
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Trip a breaker and walk it through recovery",
		Long: `Fails calls through the named breaker until it opens, shows calls
being short-circuited, waits on the virtual clock, then runs the half-open
trial.`,
		Example: `  turnstile simulate breaker --name payment
  turnstile simulate breaker --name database --wait 10s
  turnstile simulate breaker --name email --trial-fails --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, vc, err := newSimStack(cmd, g)
			if err != nil {
				return err
			}
			defer stack.Close(context.Background())

			b, ok := stack.Breakers.Get(name)
			if !ok {
				return fmt.Errorf("%w %q (configured: %s)", breaker.ErrUnknownBreaker, name, strings.Join(stack.Breakers.Names(), ", "))
			}
			if wait == 0 {
				wait, _ = time.ParseDuration(b.Snapshot().ResetTimeout)
			}

			result := runBreaker(b, vc, failures, wait, trialFails)
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printBreakerResult(cmd.OutOrStdout(), &result)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", breaker.Payment, "breaker name")
	cmd.Flags().IntVar(&failures, "failures", 0, "failing calls to make (0 = the breaker's threshold)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "virtual time to wait before the trial (0 = reset timeout)")
	cmd.Flags().BoolVar(&trialFails, "trial-fails", false, "make the half-open trial fail")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	return cmd
}

// BreakerStep is one call made during a breaker simulation.
type BreakerStep struct {
	Time   string `json:"time"`
	Action string `json:"action"`
	Result string `json:"result"`
	State  string `json:"state"`
}

// BreakerResult captures a breaker simulation.
type BreakerResult struct {
	Name  string           `json:"name"`
	Steps []BreakerStep    `json:"steps"`
	Final breaker.Snapshot `json:"final"`
}

var errSimulated = errors.New("simulated dependency failure")

func runBreaker(b *breaker.Breaker, vc *clock.VirtualClock, failures int, wait time.Duration, trialFails bool) BreakerResult {
	ctx := context.Background()
	if failures <= 0 {
		failures = b.Snapshot().FailureThreshold
	}
	res := BreakerResult{Name: b.Name()}

	call := func(action string, fail bool) {
		err := b.Execute(ctx, func(context.Context) error {
			if fail {
				return errSimulated
			}
			return nil
		})
		outcome := "ok"
		switch {
		case errors.Is(err, breaker.ErrOpen):
			outcome = "short-circuited"
		case err != nil:
			outcome = err.Error()
		}
		res.Steps = append(res.Steps, BreakerStep{
			Time:   vc.Now().Format(time.RFC3339),
			Action: action,
			Result: outcome,
			State:  b.State().String(),
		})
	}

	for i := 0; i < failures; i++ {
		call(fmt.Sprintf("failing call %d", i+1), true)
	}
	call("call while open", false)
	vc.Advance(wait)
	if trialFails {
		call(fmt.Sprintf("trial after %s", wait), true)
	} else {
		call(fmt.Sprintf("trial after %s", wait), false)
	}
	res.Final = b.Snapshot()
	return res
}

func printBreakerResult(w io.Writer, r *BreakerResult) {
	fmt.Fprintf(w, "=== Breaker simulation: %s ===\n\n", r.Name)
	for _, s := range r.Steps {
		fmt.Fprintf(w, "  %s  %-22s -> %-16s state=%s\n", s.Time, s.Action, s.Result, s.State)
	}
	fmt.Fprintf(w, "\nFinal state: %s (failures=%d, rejected=%d)\n", r.Final.State, r.Final.FailureCount, r.Final.Rejected)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
