package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/alerts"
	"github.com/nvr-ai/go-behavior/annotate"
	"github.com/nvr-ai/go-behavior/capture/video"
	"github.com/nvr-ai/go-behavior/config"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/journal"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/pipeline"
	"github.com/nvr-ai/go-behavior/profiler"
	"github.com/nvr-ai/go-behavior/server"
	"github.com/nvr-ai/go-behavior/status"
	"github.com/nvr-ai/go-behavior/stream"
)

// DefaultConfigPath is read when -config is not given.
const DefaultConfigPath = "config.yaml"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "behavior: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log)
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("behavior server failed")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("behavior server stopped")
}

// cleanups runs registered functions in reverse order.
type cleanups []func()

func (c *cleanups) add(fn func()) { *c = append(*c, fn) }

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("main")

	var done cleanups
	defer done.run()

	hub := alerts.NewHub(cfg.Alerts.Buffer, logger.Named("alerts"))
	done.add(func() { _ = hub.Close() })

	if err := attachSinks(ctx, cfg, hub, &done); err != nil {
		return err
	}

	detectors := make([]server.Detector, 0, len(cfg.Detectors))
	for _, dc := range cfg.Detectors {
		d, err := buildDetector(cfg, dc, hub, &done)
		if err != nil {
			return err
		}
		detectors = append(detectors, d)
	}

	var clips *server.ClipRunner
	if cfg.Clips != nil {
		c, err := buildClips(cfg, hub, &done)
		if err != nil {
			return err
		}
		clips = c
	}

	srv, err := server.New(server.Options{
		Detectors:   detectors,
		Clips:       clips,
		Hub:         hub,
		CORSOrigins: cfg.Server.CORSOrigins,
		Log:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, d := range detectors {
		wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				log.Error().Err(err).Str("detector", p.Name()).Msg("detector stopped, last verdict stays readable")
			}
		}(d.Pipeline)
	}

	err = server.ListenAndServe(ctx, cfg.Server.Addr, srv.Handler(), cfg.Server.ShutdownTimeout, log)

	for _, d := range detectors {
		d.Pipeline.Stop()
	}
	wg.Wait()
	return err
}

func attachSinks(ctx context.Context, cfg *config.Config, hub *alerts.Hub, done *cleanups) error {
	if err := hub.Attach(ctx, "log", alerts.LogSink{Log: logger.Named("alerts")}); err != nil {
		return err
	}

	if m := cfg.Alerts.MQTT; m.Broker != "" {
		sink, client, err := alerts.DialMQTT(alerts.MQTTOptions{
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Topic:    m.Topic,
			QoS:      m.QoS,
			Timeout:  m.Timeout,
		}, logger.Named("mqtt"))
		if err != nil {
			return err
		}
		done.add(func() { client.Disconnect(250) })
		if err := hub.Attach(ctx, "mqtt", sink); err != nil {
			return err
		}
	}

	if cfg.Alerts.Postgres.DSN != "" {
		j, err := journal.Open(ctx, cfg.Alerts.Postgres)
		if err != nil {
			return err
		}
		done.add(j.Close)
		if err := j.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := hub.Attach(ctx, "postgres", j); err != nil {
			return err
		}
	}
	return nil
}

func buildOracle(rt config.RuntimeConfig, backend inference.Backend, spec models.Spec, path string) (*inference.ONNXOracle, error) {
	return inference.NewOracleBuilder().
		WithProvider(inference.ProviderConfig{
			Backend:        backend,
			IntraOpThreads: rt.IntraOpThreads,
			InterOpThreads: rt.InterOpThreads,
		}).
		WithLibraryPath(rt.LibraryPath).
		WithModel(spec.ModelArgs(path)).
		Build()
}

func buildDetector(cfg *config.Config, dc config.DetectorConfig, hub *alerts.Hub, done *cleanups) (server.Detector, error) {
	spec, err := dc.Spec()
	if err != nil {
		return server.Detector{}, err
	}

	oracle, err := buildOracle(cfg.Runtime, dc.Backend(), spec, dc.ModelPath)
	if err != nil {
		return server.Detector{}, errors.Wrapf(err, "detector %s", dc.Name)
	}
	done.add(func() { _ = oracle.Close() })

	src, err := video.Open(dc.Source)
	if err != nil {
		return server.Detector{}, errors.Wrapf(err, "detector %s", dc.Name)
	}
	done.add(func() { _ = src.Close() })

	popts := cfg.Profiler
	l := logger.Named("profiler").With().Str("detector", dc.Name).Logger()
	popts.Log = &l
	prof := profiler.NewRuntimeProfiler(popts)

	p, err := pipeline.New(pipeline.Options{
		Name:                   dc.Name,
		Spec:                   spec,
		Source:                 src,
		Oracle:                 oracle,
		Annotator:              annotate.NewOpenCV(annotate.Options{}),
		Feed:                   stream.NewFeed(cfg.Server.FeedBacklog),
		Alerts:                 hub,
		Profiler:               prof,
		MaxConsecutiveFailures: dc.MaxConsecutiveFailures,
		Log:                    logger.Named("pipeline"),
	})
	if err != nil {
		return server.Detector{}, err
	}

	prof.AddMetricsCollector(p)
	prof.Start()
	done.add(prof.Stop)

	logger.Named("main").Info().
		Str("detector", dc.Name).
		Str("model", string(spec.Name)).
		Str("source", dc.Source.String()).
		Str("provider", string(dc.Backend())).
		Int("alert_index", spec.Mapping.AlertIndex).
		Msg("detector ready")

	return server.Detector{Pipeline: p, Status: status.New(spec.StatusKey, p.Cell(), hub)}, nil
}

func buildClips(cfg *config.Config, hub *alerts.Hub, done *cleanups) (*server.ClipRunner, error) {
	spec, err := cfg.Clips.Spec()
	if err != nil {
		return nil, err
	}
	oracle, err := buildOracle(cfg.Runtime, cfg.Clips.Backend(), spec, cfg.Clips.ModelPath)
	if err != nil {
		return nil, errors.Wrap(err, "clips")
	}
	done.add(func() { _ = oracle.Close() })

	return &server.ClipRunner{
		Name:      cfg.Clips.Name,
		Directory: cfg.Clips.Directory,
		Spec:      spec,
		Oracle:    oracle,
		Open:      video.OpenClip,
		Alerts:    hub,
	}, nil
}
