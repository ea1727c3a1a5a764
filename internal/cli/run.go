package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	mrand "math/rand"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relab/tomcast"
	"github.com/relab/tomcast/internal/profiling"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/member"
	"github.com/relab/tomcast/metrics"
	"github.com/relab/tomcast/transport/memnet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Simulate a group in a single process.",
	Long: `The run command starts a group of members connected by a simulated network.
Every member multicasts messages to the group, or to random subsets of it,
at a limited rate. When all messages have been delivered, the command checks
that the members delivered the messages they have in common in the same order.`,
	// both commands define some of the same flags, so they are bound when the command runs
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := simulationOptions{
			Members:       viper.GetInt("members"),
			Messages:      viper.GetInt("messages"),
			PayloadSize:   viper.GetInt("payload-size"),
			RateLimit:     viper.GetFloat64("rate-limit"),
			RandomSubsets: viper.GetBool("random-subsets"),
			Seed:          viper.GetInt64("seed"),
			Timeout:       viper.GetDuration("timeout"),
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stopProfilers, err := profiling.Start(profilingPaths(viper.GetViper()))
		if err != nil {
			return fmt.Errorf("failed to start profilers: %w", err)
		}
		reg := prometheus.NewRegistry()
		if addr := viper.GetString("metrics-address"); addr != "" {
			serveMetrics(ctx, addr, reg, logging.New("cli"))
		}
		result, err := simulate(ctx, opts, reg)
		if stopErr := stopProfilers(); stopErr != nil && err == nil {
			err = fmt.Errorf("failed to stop profilers: %w", stopErr)
		}
		if err != nil {
			return err
		}
		result.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("members", 4, "number of members in the group")
	runCmd.Flags().Int("messages", 100, "number of messages multicast by each member")
	runCmd.Flags().Int("payload-size", 16, "size in bytes of each message payload")
	runCmd.Flags().Float64("rate-limit", math.Inf(1), "rate limit for each member (in messages/second)")
	runCmd.Flags().Bool("random-subsets", false, "send each message to a random subset of the group")
	runCmd.Flags().Int64("seed", 0, "seed for the simulated network and destination subsets (random if zero)")
	runCmd.Flags().Duration("timeout", time.Minute, "maximum duration of the simulation")
	runCmd.Flags().String("metrics-address", "", "address to serve Prometheus metrics on (disabled by default)")
	addProfilingFlags(runCmd)

}

type simulationOptions struct {
	Members       int
	Messages      int
	PayloadSize   int
	RateLimit     float64
	RandomSubsets bool
	Seed          int64
	Timeout       time.Duration
}

// recorder is an application that records the order in which messages are delivered.
type recorder struct {
	mut       sync.Mutex
	delivered []tomcast.MessageID
	expected  int
	done      chan struct{}
}

func (r *recorder) Deliver(msg *tomcast.Message) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.delivered = append(r.delivered, msg.ID)
	if len(r.delivered) == r.expected {
		close(r.done)
	}
	return nil
}

func (r *recorder) order() []tomcast.MessageID {
	r.mut.Lock()
	defer r.mut.Unlock()
	return slices.Clone(r.delivered)
}

type simulationResult struct {
	members   int
	sent      int
	delivered int
	elapsed   time.Duration
}

func (r simulationResult) print(w io.Writer) {
	fmt.Fprintf(w, "%d members multicast %d messages; %d deliveries in %v (%.0f deliveries/s)\n",
		r.members, r.sent, r.delivered, r.elapsed.Round(time.Millisecond), float64(r.delivered)/r.elapsed.Seconds())
	fmt.Fprintln(w, "All members delivered their common messages in the same order.")
}

func simulate(ctx context.Context, opts simulationOptions, reg prometheus.Registerer) (simulationResult, error) {
	if opts.Members < 1 || opts.Messages < 0 {
		return simulationResult{}, fmt.Errorf("invalid simulation size: %w", tomcast.ErrConfiguration)
	}
	if opts.Seed == 0 {
		opts.Seed = mrand.Int63()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	logger := logging.New("cli")
	logger.Infof("Simulating %d members with seed %d", opts.Members, opts.Seed)

	net := memnet.New(memnet.WithSeed(opts.Seed))
	defer net.Close()

	ids := make([]tomcast.ID, opts.Members)
	for i := range ids {
		ids[i] = tomcast.ID(i + 1)
	}

	// decide all destinations up front, so every recorder knows how many messages to expect
	rnd := mrand.New(mrand.NewSource(opts.Seed))
	dests := make(map[tomcast.ID][][]tomcast.ID, len(ids))
	expected := make(map[tomcast.ID]int, len(ids))
	for _, from := range ids {
		for i := 0; i < opts.Messages; i++ {
			d := ids
			if opts.RandomSubsets {
				d = randomSubset(rnd, ids)
			}
			dests[from] = append(dests[from], d)
			for _, to := range d {
				expected[to]++
			}
		}
	}

	members := make(map[tomcast.ID]*member.Member, len(ids))
	recorders := make(map[tomcast.ID]*recorder, len(ids))
	for _, id := range ids {
		rec := &recorder{expected: expected[id], done: make(chan struct{})}
		if rec.expected == 0 {
			close(rec.done)
		}
		mt := metrics.New()
		if err := mt.Register(reg, id); err != nil {
			return simulationResult{}, fmt.Errorf("failed to register metrics: %w", err)
		}
		m, err := member.New(net.Endpoint(id), rec,
			member.WithGroup(ids...),
			member.WithMetrics(mt),
			member.WithLogger(logging.New(fmt.Sprintf("member%d", id))),
		)
		if err != nil {
			return simulationResult{}, err
		}
		members[id], recorders[id] = m, rec
	}

	runCtx, stop := context.WithCancel(ctx)
	running, runCtx := errgroup.WithContext(runCtx)
	for _, m := range members {
		m := m
		running.Go(func() error {
			return m.Run(runCtx)
		})
	}

	start := time.Now()
	senders, sendCtx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		senders.Go(func() error {
			limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
			payload := make([]byte, opts.PayloadSize)
			for _, d := range dests[id] {
				if err := limiter.Wait(sendCtx); err != nil {
					return err
				}
				_, _ = rand.Read(payload)
				if _, err := members[id].Multicast(payload, d...); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := senders.Wait()
	if err == nil {
		err = waitForDeliveries(ctx, recorders)
	}
	elapsed := time.Since(start)
	stop()
	if runErr := running.Wait(); err == nil {
		err = runErr
	}
	if err != nil {
		return simulationResult{}, err
	}

	delivered := make(map[tomcast.ID][]tomcast.MessageID, len(ids))
	total := 0
	for id, rec := range recorders {
		delivered[id] = rec.order()
		total += len(delivered[id])
	}
	if err := checkOrder(delivered); err != nil {
		return simulationResult{}, err
	}
	return simulationResult{
		members:   opts.Members,
		sent:      opts.Members * opts.Messages,
		delivered: total,
		elapsed:   elapsed,
	}, nil
}

func randomSubset(rnd *mrand.Rand, ids []tomcast.ID) []tomcast.ID {
	var subset []tomcast.ID
	for _, id := range ids {
		if rnd.Intn(2) == 0 {
			subset = append(subset, id)
		}
	}
	if len(subset) == 0 {
		subset = append(subset, ids[rnd.Intn(len(ids))])
	}
	return subset
}

func waitForDeliveries(ctx context.Context, recorders map[tomcast.ID]*recorder) error {
	for id, rec := range recorders {
		select {
		case <-rec.done:
		case <-ctx.Done():
			return fmt.Errorf("member %d delivered %d of %d messages: %w", id, len(rec.order()), rec.expected, ctx.Err())
		}
	}
	return nil
}

// checkOrder returns an error if two members delivered their common messages in different orders,
// or if a member delivered a message more than once.
func checkOrder(delivered map[tomcast.ID][]tomcast.MessageID) error {
	position := make(map[tomcast.ID]map[tomcast.MessageID]int, len(delivered))
	for id, order := range delivered {
		pos := make(map[tomcast.MessageID]int, len(order))
		for i, msgID := range order {
			if _, dup := pos[msgID]; dup {
				return fmt.Errorf("member %d delivered %v more than once", id, msgID)
			}
			pos[msgID] = i
		}
		position[id] = pos
	}
	for a, orderA := range delivered {
		for b := range delivered {
			if a >= b {
				continue
			}
			// the positions in b of the messages that a and b have in common must be increasing
			last := -1
			var lastID tomcast.MessageID
			for _, msgID := range orderA {
				i, ok := position[b][msgID]
				if !ok {
					continue
				}
				if i < last {
					return fmt.Errorf("members %d and %d delivered %v and %v in different orders", a, b, lastID, msgID)
				}
				last, lastID = i, msgID
			}
		}
	}
	return nil
}
