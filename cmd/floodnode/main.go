// floodnode runs one simulation node's messaging endpoint. It binds a UDP
// socket at the node's resolved address, wires the queue configuration from
// the environment, and serves counters for the metrics layer until
// interrupted. The election engine attaches through the mesh.Port API; by
// default received envelopes are logged.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/floodsim/floodnet/codec"
	"github.com/floodsim/floodnet/config"
	"github.com/floodsim/floodnet/mesh"
	"github.com/floodsim/floodnet/monitoring"
	"github.com/floodsim/floodnet/recording"
	"github.com/floodsim/floodnet/transport"
)

var (
	flagNodeID       string
	flagPeers        []string
	flagEnvFile      string
	flagMonitorPort  int
	flagRecordPath   string
	flagSampleMillis int
	flagLenient      bool
)

var rootCmd = &cobra.Command{
	Use:   "floodnode",
	Short: "Run one node of the leader-election simulation mesh",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flagNodeID, "id", "",
		"identity of this node (required)")
	rootCmd.Flags().StringArrayVar(&flagPeers, "peer", nil,
		"peer in id=host:port form, repeatable; must include this node")
	rootCmd.Flags().StringVar(&flagEnvFile, "env-file", "",
		"dotenv file with queue configuration")
	rootCmd.Flags().IntVar(&flagMonitorPort, "monitor-port", 0,
		"TCP port of the monitoring server, 0 picks a random port")
	rootCmd.Flags().StringVar(&flagRecordPath, "record", "",
		"record counter samples into <path>.sqlite3")
	rootCmd.Flags().IntVar(&flagSampleMillis, "sample-ms", 1000,
		"counter sampling interval in milliseconds")
	rootCmd.Flags().BoolVar(&flagLenient, "lenient-codec", false,
		"tolerate unknown envelope fields from newer nodes")

	rootCmd.MarkFlagRequired("id")
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	table, err := parsePeers(flagPeers)
	if err != nil {
		return err
	}

	id := mesh.NodeID(flagNodeID)

	bind, ok := table[id]
	if !ok {
		return fmt.Errorf("no --peer entry for this node's id %q", id)
	}

	resolver, err := mesh.NewTableResolver(table)
	if err != nil {
		return err
	}

	binding, err := transport.NewUDPBinding(bind)
	if err != nil {
		return err
	}

	codecBuilder := codec.MakeJSONCodecBuilder()
	if flagLenient {
		codecBuilder = codecBuilder.WithLenientFields()
	}

	logger := log.New(os.Stderr, string(id)+" ", log.LstdFlags)

	port, err := mesh.MakePortBuilder().
		WithNodeID(id).
		WithResolver(resolver).
		WithCodec(codecBuilder.Build()).
		WithTransport(binding).
		WithInboundConfig(cfg.Inbound).
		WithOutboundConfig(cfg.Outbound).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}

	port.RegisterHandler(mesh.HandlerFunc(func(e mesh.Envelope) {
		logger.Printf("received %s from %s (id %s)", e.Type, e.Sender, e.ID)
	}))

	monitor := monitoring.NewMonitor().WithPortNumber(flagMonitorPort)
	monitor.RegisterPort(port)
	if _, err := monitor.StartServer(); err != nil {
		return err
	}

	var sampler *recording.Sampler
	if flagRecordPath != "" {
		recorder, err := recording.NewSQLiteRecorder(flagRecordPath)
		if err != nil {
			return err
		}

		interval := time.Duration(flagSampleMillis) * time.Millisecond
		sampler, err = recording.NewSampler(recorder, interval)
		if err != nil {
			return err
		}

		sampler.RegisterPort(port)
		sampler.Start()
	}

	logger.Printf("listening on %s", binding.LocalAddr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	if sampler != nil {
		sampler.Stop()
	}

	monitor.StopServer()

	return port.Close()
}

func loadConfig() (config.Config, error) {
	if flagEnvFile != "" {
		return config.FromEnvFile(flagEnvFile)
	}

	return config.FromEnv()
}

func parsePeers(peers []string) (map[mesh.NodeID]mesh.Address, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("at least one --peer is required")
	}

	table := make(map[mesh.NodeID]mesh.Address, len(peers))
	for _, peer := range peers {
		id, hostport, ok := strings.Cut(peer, "=")
		if !ok {
			return nil, fmt.Errorf("peer %q is not in id=host:port form",
				peer)
		}

		host, portStr, ok := strings.Cut(hostport, ":")
		if !ok {
			return nil, fmt.Errorf("peer %q is not in id=host:port form",
				peer)
		}

		portNum, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("peer %q has invalid port: %w",
				peer, err)
		}

		if portNum < 1 || portNum > 65535 {
			return nil, fmt.Errorf("peer %q has out-of-range port %d",
				peer, portNum)
		}

		table[mesh.NodeID(id)] = mesh.Address{Host: host, Port: portNum}
	}

	return table, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
