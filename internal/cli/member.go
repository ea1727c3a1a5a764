package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relab/tomcast"
	"github.com/relab/tomcast/internal/config"
	"github.com/relab/tomcast/internal/profiling"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/member"
	"github.com/relab/tomcast/metrics"
	"github.com/relab/tomcast/transport/tcpnet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// memberCmd represents the member command
var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Run one member of a group over TCP.",
	Long: `The member command runs one member of a group. The members of the group and
their addresses are read from the configuration file, for example:

  self: 1
  members:
    - id: 1
      address: localhost:4001
    - id: 2
      address: localhost:4002

Every line read from standard input is multicast to the group. A line that
starts with '@' followed by a comma-separated list of IDs, such as '@1,3 hello',
is multicast to those members only. Delivered messages are written to standard output.`,
	// both commands define some of the same flags, so they are bound when the command runs
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.FromViper(viper.GetViper())
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stopProfilers, err := profiling.Start(profilingPaths(viper.GetViper()))
		if err != nil {
			return fmt.Errorf("failed to start profilers: %w", err)
		}
		err = runMember(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		if stopErr := stopProfilers(); stopErr != nil && err == nil {
			err = fmt.Errorf("failed to stop profilers: %w", stopErr)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(memberCmd)

	memberCmd.Flags().Uint32("self", 0, "the ID of this member")
	memberCmd.Flags().String("metrics-address", "", "address to serve Prometheus metrics on (disabled by default)")
	memberCmd.Flags().Duration("dial-timeout", 0, "timeout for connecting to other members")
	addProfilingFlags(memberCmd)

}

// printer writes delivered messages and plain unicasts to an output stream.
type printer struct {
	mut sync.Mutex
	out io.Writer
}

func (p *printer) Deliver(msg *tomcast.Message) error {
	p.mut.Lock()
	defer p.mut.Unlock()
	_, err := fmt.Fprintf(p.out, "[%v] %s\n", msg.ID, msg.Payload)
	return err
}

func (p *printer) ReceiveUnicast(from tomcast.ID, payload []byte) {
	p.mut.Lock()
	defer p.mut.Unlock()
	fmt.Fprintf(p.out, "[from %v] %s\n", from, payload)
}

func runMember(ctx context.Context, cfg *config.GroupConfig, in io.Reader, out io.Writer) error {
	logger := logging.New("cli")
	addr, _ := cfg.Address(cfg.Self)

	var opts []tcpnet.Option
	if cfg.DialTimeout > 0 {
		opts = append(opts, tcpnet.WithDialTimeout(cfg.DialTimeout))
	}
	tr := tcpnet.New(cfg.Self, cfg.Peers(), opts...)
	if err := tr.Listen(addr); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	mt := metrics.New()
	if err := mt.Register(reg, cfg.Self); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if cfg.MetricsAddress != "" {
		serveMetrics(ctx, cfg.MetricsAddress, reg, logger)
	}

	m, err := member.New(tr, &printer{out: out}, member.WithGroup(cfg.IDs()...), member.WithMetrics(mt))
	if err != nil {
		return err
	}
	logger.Infof("Member %d listening on %s", cfg.Self, tr.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.Serve(ctx)
	})
	g.Go(func() error {
		return m.Run(ctx)
	})
	// reading from stdin cannot be interrupted, so this goroutine is not part of the group
	go func() {
		if err := readInput(in, m); err != nil {
			logger.Errorf("Failed to read input: %v", err)
		}
	}()
	return g.Wait()
}

func readInput(in io.Reader, m *member.Member) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		payload, dests, err := parseLine(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if _, err := m.Multicast([]byte(payload), dests...); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	return scanner.Err()
}

// parseLine splits an input line into a payload and an optional list of destinations.
func parseLine(line string) (payload string, dests []tomcast.ID, err error) {
	if !strings.HasPrefix(line, "@") {
		return line, nil, nil
	}
	list, payload, _ := strings.Cut(line[1:], " ")
	for _, s := range strings.Split(list, ",") {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return "", nil, fmt.Errorf("invalid destination %q", s)
		}
		dests = append(dests, tomcast.ID(id))
	}
	return payload, dests, nil
}
