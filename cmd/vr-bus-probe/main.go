// Command vr-bus-probe starts a bare MessageBus for one replica index
// against a configured peer list and logs connect/accept/deliver events.
// It is a debugging tool, not a product: it is excluded from the
// message-delivery guarantees the bus itself provides.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	bus "github.com/vrproto/bus"
	"github.com/vrproto/bus/internal/constants"
	"github.com/vrproto/bus/internal/interfaces"
	"github.com/vrproto/bus/internal/logging"
	"github.com/vrproto/bus/internal/reactor"
)

func main() {
	fs := flag.NewFlagSet("vr-bus-probe", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Verbose output")

	cfg, err := bus.ParseArgs(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "vr-bus-probe: %v\n", err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	sink := newLoggingSink(cfg.ReplicaIdx, cfg.ClusterID, logger)

	submitter, err := reactor.NewEpollReactor()
	if err != nil {
		logger.Error("failed to create reactor", "error", err)
		os.Exit(1)
	}

	b, err := bus.NewMessageBus(bus.Config{
		Addresses:      cfg.Replicas,
		OwnIndex:       cfg.ReplicaIdx,
		ClusterID:      cfg.ClusterID,
		NumConnections: len(cfg.Replicas) + 2,
		Submitter:      submitter,
		Sink:           sink,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create bus", "error", err)
		os.Exit(1)
	}
	defer b.Deinit()

	logger.Info("bus started",
		"replica_index", cfg.ReplicaIdx,
		"cluster_id", cfg.ClusterID,
		"peers", cfg.Replicas)

	// SIGUSR1 dumps goroutine stacks, for diagnosing a stuck probe.
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go runLoop(b, submitter, stop, logger)

	<-sigCh
	logger.Info("received shutdown signal")
	close(stop)
	time.Sleep(50 * time.Millisecond) // let runLoop's last Poll return
}

// runLoop drives the bus's own event-loop schedule: Tick at a fixed
// cadence, Poll waits for I/O completions, Flush dispatches the
// self-send loopback queue after each round.
func runLoop(b *bus.MessageBus, submitter reactor.Submitter, stop <-chan struct{}, logger *logging.Logger) {
	ticker := time.NewTicker(constants.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.Tick()
		default:
		}

		if _, err := submitter.Poll(constants.AcceptPollInterval); err != nil {
			logger.Warn("poll error", "error", err)
		}
		b.Flush()
	}
}

// loggingSink is a minimal interfaces.ReplicaSink that logs every
// delivered message instead of interpreting it, since vr-bus-probe has
// no embedded replica to hand messages to.
type loggingSink struct {
	replicaIndex uint16
	clusterID    uint32
	logger       *logging.Logger
}

func newLoggingSink(replicaIndex uint16, clusterID uint32, logger *logging.Logger) *loggingSink {
	return &loggingSink{replicaIndex: replicaIndex, clusterID: clusterID, logger: logger}
}

func (s *loggingSink) ReplicaIndex() uint16 { return s.replicaIndex }
func (s *loggingSink) ClusterID() uint32    { return s.clusterID }

func (s *loggingSink) OnMessage(msg interfaces.Message) {
	m, ok := msg.(*bus.Message)
	if !ok {
		s.logger.Warn("dropped non-bus.Message delivery")
		return
	}
	s.logger.Info("message delivered",
		"command", m.Header().Command(),
		"size", m.Header().Size())
}

var _ interfaces.ReplicaSink = (*loggingSink)(nil)
