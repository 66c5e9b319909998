package cli

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
	"github.com/SmitUplenchwar2687/Turnstile/internal/server"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

type trafficOptions struct {
	output   string
	count    int
	keys     int
	duration time.Duration
	pattern  string
	seed     int64
}

func newGenerateCmd() *cobra.Command {
	var o trafficOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample journals",
		Long: `Generates sample data for testing and experimentation.

Use "generate traffic" to create a synthetic decision journal that
"turnstile replay" can consume.`,
	}

	trafficCmd := &cobra.Command{
		Use:   "traffic",
		Short: "Generate a synthetic decision journal",
		Long: `Creates a journal of admission requests spread across the auth,
payment, search and api scopes, with identities cycling through the
anonymous, customer, vendor and admin roles.

Patterns:
  steady    Evenly distributed requests
  burst     Concentrated bursts with quiet periods
  ramp      Gradually increasing request rate`,
		Example: `  turnstile generate traffic --output journal.ndjson --count 500 --keys 5
  turnstile generate traffic --output burst.ndjson --count 2000 --pattern burst --duration 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.count <= 0 || o.keys <= 0 || o.duration <= 0 {
				return fmt.Errorf("--count, --keys and --duration must be positive")
			}
			f, err := os.Create(o.output)
			if err != nil {
				return fmt.Errorf("creating file: %w", err)
			}
			defer f.Close()

			if err := writeTraffic(f, o); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %d journal events to %s\n", o.count, o.output)
			fmt.Fprintf(out, "  Keys:     %d\n", o.keys)
			fmt.Fprintf(out, "  Duration: %s\n", o.duration)
			fmt.Fprintf(out, "  Pattern:  %s\n", o.pattern)
			return nil
		},
	}

	trafficCmd.Flags().StringVar(&o.output, "output", "journal.ndjson", "output file path")
	trafficCmd.Flags().IntVar(&o.count, "count", 100, "number of events to generate")
	trafficCmd.Flags().IntVar(&o.keys, "keys", 3, "number of distinct identities")
	trafficCmd.Flags().DurationVar(&o.duration, "duration", 5*time.Minute, "time span for generated traffic")
	trafficCmd.Flags().StringVar(&o.pattern, "pattern", "steady", "traffic pattern (steady, burst, ramp)")
	trafficCmd.Flags().Int64Var(&o.seed, "seed", 0, "random seed (0 = time based)")

	cmd.AddCommand(trafficCmd)
	return cmd
}

var sampleEndpoints = []string{
	"POST /auth/login",
	"POST /auth/refresh",
	"POST /payment/charge",
	"POST /checkout",
	"GET /search?q=shoes",
	"GET /api/products",
	"GET /api/cart",
	"PUT /api/cart/items",
}

var sampleRoles = []string{"", "customer", "vendor", "admin"}

// writeTraffic streams a synthetic journal to w.
func writeTraffic(w io.Writer, o trafficOptions) error {
	seed := o.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	start := time.Now().UTC().Truncate(time.Second)

	rec := recorder.New(o.count, w, zap.NewNop())
	for _, at := range trafficTimes(rng, start, o.count, o.duration, o.pattern) {
		req := sampleRequest(rng, o.keys)
		d := admission.Decision{
			Allowed: true,
			Reason:  admission.ReasonAllowed,
			Scope:   req.Scope,
		}
		if err := rec.Record(recorder.DecisionEvent(at, req, d)); err != nil {
			return fmt.Errorf("writing journal: %w", err)
		}
	}
	return nil
}

func sampleRequest(rng *rand.Rand, keys int) admission.Request {
	n := rng.Intn(keys)
	role := sampleRoles[n%len(sampleRoles)]
	id := tier.Identity{Key: fmt.Sprintf("user:%d", n+1), Role: role}
	if role == "" {
		id = tier.Identity{Key: fmt.Sprintf("ip:10.0.0.%d", n+1)}
	}

	endpoint := sampleEndpoints[rng.Intn(len(sampleEndpoints))]
	path := endpoint[strings.IndexByte(endpoint, ' ')+1:]
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return admission.Request{
		Scope:    server.ScopeFor(server.DefaultRoutes(), path),
		Identity: id,
		Endpoint: endpoint,
	}
}

// trafficTimes returns count timestamps spread over dur, sorted.
func trafficTimes(rng *rand.Rand, start time.Time, count int, dur time.Duration, pattern string) []time.Time {
	times := make([]time.Time, 0, count)
	switch pattern {
	case "burst":
		const numBursts = 4
		burstSize := count / numBursts
		burstGap := dur / numBursts
		for b := 0; b < numBursts; b++ {
			burstStart := start.Add(time.Duration(b) * burstGap)
			// Requests within a burst land inside one second.
			for i := 0; i < burstSize; i++ {
				times = append(times, burstStart.Add(time.Duration(rng.Intn(1000))*time.Millisecond))
			}
		}
		for len(times) < count {
			times = append(times, start.Add(time.Duration(rng.Int63n(int64(dur)))))
		}
	case "ramp":
		// Quadratic spacing concentrates requests towards the end.
		for i := 0; i < count; i++ {
			frac := float64(i) / float64(count)
			times = append(times, start.Add(time.Duration(frac*frac*float64(dur))))
		}
	default:
		interval := dur / time.Duration(count)
		for i := 0; i < count; i++ {
			times = append(times, start.Add(time.Duration(i)*interval))
		}
	}
	slices.SortFunc(times, time.Time.Compare)
	return times
}
