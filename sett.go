package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/admin"
	"github.com/settfs/sett/cfg"
	"github.com/settfs/sett/cluster"
	"github.com/settfs/sett/events"
	"github.com/settfs/sett/events/sink"
	"github.com/settfs/sett/journal"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/rank"
	"github.com/settfs/sett/telemetry"
	"github.com/settfs/sett/transport"
)

// hubSink bridges the rank engine's commit fan-out into the events hub.
type hubSink struct {
	hub *events.Hub
}

func (s hubSink) CommitApplied(n rank.CommitNote) {
	s.hub.Publish(events.TxnEvent{
		TxnID:    n.TxnID,
		Op:       n.Op.String(),
		Client:   n.Client,
		Path:     n.Path,
		Path2:    n.Path2,
		Rank:     n.Rank,
		Objects:  n.Objects,
		CommitTS: time.Now().UnixMilli(),
	})
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("rank_id", cfg.Config.RankID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sett - Sharded Metadata Transaction Engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	rankID := cfg.Config.RankID

	// Phase 1: Open the rank journal
	log.Info().Str("path", cfg.JournalPath()).Msg("Opening journal")
	jlog, err := journal.Open(cfg.JournalPath(), journal.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal")
		return
	}
	defer jlog.Close()

	// Phase 2: Connect the peer transport
	log.Info().Msg("Connecting transport")
	peer, err := transport.New(transport.DefaultOptions(rankID))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect transport")
		return
	}
	defer peer.Close()

	// Phase 3: Build the metadata tree and the rank engine
	log.Info().Msg("Initializing rank engine")
	tree := mdtree.NewTree(rankID)

	hub := events.NewHub()
	opts := rank.DefaultRankOptions(rankID)
	opts.Sink = hubSink{hub: hub}

	engine, err := rank.New(tree, jlog, peer, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize rank engine")
		return
	}
	defer engine.Stop()

	// Phase 4: Serve inbound peer traffic
	if err := peer.Serve(engine); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe inbound subjects")
		return
	}

	// Phase 5: Start cluster membership and placement
	log.Info().Msg("Starting cluster membership")
	registry := cluster.NewRegistry(rankID, cluster.DefaultRegistryOptions())
	ring := cluster.DefaultRing()
	ring.AddRank(rankID)

	// Keep the placement ring in step with liveness. Authority of existing
	// objects stays on the objects; the ring only places new ones.
	registry.OnTransition(func(id uint64, from, to cluster.RankStatus) {
		switch to {
		case cluster.StatusAlive:
			ring.AddRank(id)
		case cluster.StatusDead:
			ring.RemoveRank(id)
		}
	})

	engine.AttachCluster(registry, ring)
	if err := registry.Start(peer); err != nil {
		log.Fatal().Err(err).Msg("Failed to start cluster registry")
		return
	}
	defer registry.Stop()

	// Phase 6: Metrics collector for poll-style gauges
	collector := telemetry.NewMetricsCollector(engine, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	// Phase 7: Commit event publisher
	if cfg.Config.Publisher.Enabled {
		worker, err := buildPublisher(hub)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize event publisher")
			return
		}
		if worker != nil {
			worker.Start()
			defer worker.Stop()
		}
	}

	// Phase 8: Admin API
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(engine, jlog, registry, ring)
		srv := admin.Serve(handlers)
		defer srv.Close()
	}

	log.Info().
		Uint64("rank_id", rankID).
		Str("data_dir", cfg.Config.DataDir).
		Str("cluster", cfg.Config.Cluster.Name).
		Msg("Rank is operational")

	// Keep running
	select {}
}

// buildPublisher assembles the configured sink, filter and worker. A "none"
// sink leaves the hub available for in-process subscribers only.
func buildPublisher(hub *events.Hub) (*events.Worker, error) {
	pc := cfg.Config.Publisher

	filter, err := events.NewPathFilter(pc.IncludePaths, pc.ExcludePaths)
	if err != nil {
		return nil, err
	}

	var (
		dest  events.Sink
		name  string
		topic string
	)
	switch pc.Sink {
	case cfg.SinkNATS:
		urls := pc.NATS.URLs
		if len(urls) == 0 {
			urls = cfg.Config.Transport.NATSURLs
		}
		topic = cfg.Config.Cluster.Name + ".commits"
		dest, err = sink.NewNatsSink(urls, pc.NATS.Stream, topic)
		if err != nil {
			return nil, err
		}
		name = "nats"
	case cfg.SinkKafka:
		dest, err = sink.NewKafkaSink(sink.DefaultKafkaConfig(pc.Kafka.Brokers))
		if err != nil {
			return nil, err
		}
		name = "kafka"
		topic = pc.Kafka.Topic
	default:
		return nil, nil
	}

	return events.NewWorker(events.WorkerConfig{
		Name:          name,
		Hub:           hub,
		Sink:          dest,
		Filter:        filter,
		Topic:         topic,
		BatchSize:     pc.BatchSize,
		FlushInterval: time.Duration(pc.FlushIntervalMS) * time.Millisecond,
	})
}
