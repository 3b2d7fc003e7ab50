// Command vsrdb runs one replica of a vsrdb cluster, or drives a one-shot
// client request against a running cluster, chosen by its first argument.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/leengari/vsrdb/internal/bus"
	"github.com/leengari/vsrdb/internal/clock"
	"github.com/leengari/vsrdb/internal/config"
	"github.com/leengari/vsrdb/internal/logging"
	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/statemachine"
	"github.com/leengari/vsrdb/internal/storagedriver"
	"github.com/leengari/vsrdb/internal/telemetry"
	"github.com/leengari/vsrdb/internal/vsr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger, closeLogging := logging.SetupLogger()
	defer closeLogging()
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "format":
		err = runFormat(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:], logger)
	case "request":
		err = runRequest(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("vsrdb: command failed", "error", err)
		if errors.Is(err, vsr.ErrReleaseMismatch) {
			// Distinguished exit: the operator restarts with the right
			// binary rather than treating this as corruption.
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vsrdb <format|start|request> [flags]")
}

// replicaFlags parses the flag set every subcommand that opens storage
// shares: cluster membership, this replica's identity, and its data file.
func replicaFlags(fs *flag.FlagSet) (clusterID *uint64, replicaID *uint, dataFile, configFile *string) {
	clusterID = fs.Uint64("cluster-id", 1, "cluster identifier")
	replicaID = fs.Uint("replica-id", 0, "this replica's id within the cluster")
	dataFile = fs.String("data-file", "vsrdb.data", "path to this replica's data file")
	configFile = fs.String("config", "", "path to a JSON cluster config file (optional, overrides defaults)")
	return
}

func loadConfig(configFile string, clusterID uint64, replicaID uint, dataFile string) (config.Replica, error) {
	if configFile != "" {
		return config.Load(configFile, clusterID, uint8(replicaID), dataFile)
	}
	return config.Default(clusterID, uint8(replicaID), dataFile), nil
}

func runFormat(args []string) error {
	fs := flag.NewFlagSet("format", flag.ExitOnError)
	clusterID, replicaID, dataFile, configFile := replicaFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile, *clusterID, *replicaID, *dataFile)
	if err != nil {
		return err
	}

	driver, err := storagedriver.OpenFile(cfg.DataFile, vsr.LayoutFor(cfg))
	if err != nil {
		return fmt.Errorf("vsrdb: open data file: %w", err)
	}

	if err := vsr.Format(context.Background(), driver, cfg); err != nil {
		return fmt.Errorf("vsrdb: format: %w", err)
	}
	slog.Info("vsrdb: formatted replica storage", "data_file", cfg.DataFile, "replica_id", cfg.ReplicaID)
	return nil
}

func runStart(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	clusterID, replicaID, dataFile, configFile := replicaFlags(fs)
	listenAddr := fs.String("listen", "", "address to listen on (defaults to this replica's cluster address)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile, *clusterID, *replicaID, *dataFile)
	if err != nil {
		return err
	}

	addr := *listenAddr
	if addr == "" {
		addr = cfg.Cluster.ReplicaAddr[cfg.ReplicaID]
	}
	if addr == "" {
		return fmt.Errorf("vsrdb: no listen address for replica %d; pass -listen or set cluster config", cfg.ReplicaID)
	}

	driver, err := storagedriver.OpenFile(cfg.DataFile, vsr.LayoutFor(cfg))
	if err != nil {
		return fmt.Errorf("vsrdb: open data file: %w", err)
	}

	replicaLogger := logging.ForReplica(logger, cfg.Cluster.ClusterID, cfg.ReplicaID)

	var replica *vsr.Replica
	b := bus.New(cfg.Cluster.ClusterID, int(cfg.MessageSizeMax), func(msg message.Message, reply func(message.Message) error) {
		replica.Deliver(msg, reply)
	}, replicaLogger)

	replica, err = vsr.Open(context.Background(), cfg, driver, statemachine.NewNullStateMachine(), b, clock.System{}, replicaLogger)
	if err != nil {
		return fmt.Errorf("vsrdb: open replica: %w", err)
	}

	metrics, shutdownMetrics, err := telemetry.Init(context.Background(), cfg.Cluster.ClusterID, cfg.ReplicaID)
	if err != nil {
		replicaLogger.Warn("vsrdb: telemetry disabled", "error", err)
	} else {
		replica.SetMetrics(metrics)
		defer shutdownMetrics(context.Background())
	}

	if err := b.Listen(addr); err != nil {
		return fmt.Errorf("vsrdb: listen %s: %w", addr, err)
	}
	for id, peerAddr := range cfg.Cluster.ReplicaAddr {
		if id == cfg.ReplicaID {
			continue
		}
		if err := b.Dial(context.Background(), id, peerAddr); err != nil {
			replicaLogger.Warn("vsrdb: initial dial failed, will not retry until traffic arrives", "peer", id, "addr", peerAddr, "error", err)
		}
	}

	replica.StartTimers()
	replicaLogger.Info("vsrdb: replica started", "listen", addr)
	select {}
}

func runRequest(args []string) error {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	clusterID := fs.Uint64("cluster-id", 1, "cluster identifier")
	primaryAddr := fs.String("primary", "", "address of the replica believed to be primary")
	primaryID := fs.Uint("primary-id", 0, "replica id of the address above")
	body := fs.String("body", "", "request body to send")
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for a reply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *primaryAddr == "" {
		return fmt.Errorf("vsrdb: -primary is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	replies := make(chan message.Message, 1)
	b := bus.New(*clusterID, 1<<20, func(msg message.Message, reply func(message.Message) error) {
		if msg.Header.Command == message.CommandReply {
			replies <- msg
		}
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := b.Dial(ctx, uint8(*primaryID), *primaryAddr); err != nil {
		return fmt.Errorf("vsrdb: dial primary: %w", err)
	}
	defer b.Close()

	clientID := message.NewClientID()
	reqBody := []byte(*body)
	h := message.Header{
		ClusterID:     *clusterID,
		ClientID:      clientID,
		RequestNumber: 1,
		Operation:     message.OperationStateMachineBase,
		Command:       message.CommandRequest,
	}
	h.SetChecksums(reqBody)
	if err := b.Send(uint8(*primaryID), message.Message{Header: h, Body: reqBody}); err != nil {
		return fmt.Errorf("vsrdb: send request: %w", err)
	}

	select {
	case reply := <-replies:
		fmt.Fprintf(os.Stdout, "%s\n", reply.Body)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("vsrdb: timed out waiting for reply")
	}
}
