package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fanout/internal/broadcast"
	"fanout/internal/config"
	"fanout/internal/diag"
	"fanout/internal/transport"
)

func main() {
	callName := flag.String("call", "", "issue one broadcast call (log-level, info) and exit")
	level := flag.String("level", "", "log level to set with -call log-level")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, *callName, *level); err != nil {
		log.Fatal().Err(err).Msg("replica failed")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger, callName, level string) error {
	var (
		bus   transport.PubSub
		peers diag.PeerSource
	)
	switch cfg.Transport {
	case config.TransportGossip:
		gossip, err := transport.NewGossipPubSub(ctx, transport.GossipOptions{
			ListenAddrs:     cfg.Gossip.ListenAddrs,
			Bootstrap:       cfg.Gossip.Bootstrap,
			Rendezvous:      cfg.Gossip.Rendezvous,
			EnableMDNS:      cfg.Gossip.MDNS,
			IdentityKeyFile: cfg.Gossip.IdentityKeyFile,
		}, log)
		if err != nil {
			return err
		}
		defer gossip.Close()
		log.Info().Strs("addrs", gossip.ListenAddrs()).Msg("gossip transport up")
		bus, peers = gossip, gossip
	default:
		log.Warn().Msg("memory transport configured, broadcasts stay in this process")
		bus = transport.NewMemoryPubSub()
	}

	b := broadcast.New(bus,
		broadcast.WithPrefix(cfg.Prefix),
		broadcast.WithDefaultTimeout(cfg.Timeout),
		broadcast.WithLogger(log),
	)
	proxies, err := diag.Mount(b, cfg.Version, peers, log)
	if err != nil {
		return err
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = b.Stop(stopCtx)
	}()
	log.Info().Str("worker_id", b.WorkerID()).Str("transport", cfg.Transport).Msg("replica ready")

	if callName != "" {
		return issueCall(ctx, proxies, callName, level)
	}

	<-ctx.Done()
	return nil
}

// issueCall runs one operator broadcast and prints each replica's answer.
func issueCall(ctx context.Context, proxies *diag.Proxies, name, level string) error {
	var (
		answers []broadcast.Answer
		err     error
	)
	switch name {
	case "log-level":
		if level != "" {
			answers, err = proxies.SetLogLevel.CallNamed(ctx, map[string]any{"level": level})
		} else {
			answers, err = proxies.GetLogLevel.Call(ctx)
		}
	case "info":
		answers, err = proxies.Info.Call(ctx)
	default:
		return fmt.Errorf("unknown call %q", name)
	}
	if err != nil {
		return err
	}

	for _, a := range answers {
		line := map[string]any{"worker_id": a.WorkerID}
		if a.Failed() {
			line["error"] = a.Error
		} else {
			line["result"] = a.Result
		}
		out, _ := json.Marshal(line)
		fmt.Println(string(out))
	}
	fmt.Printf("%d answer(s)\n", len(answers))
	return nil
}

func newLogger(cfg config.Log) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Console {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log, nil
}
