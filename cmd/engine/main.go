// Command engine runs the streaming speech recognition engine: the
// WebSocket streaming API, the observability HTTP server and the
// Kafka transcript publisher.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"april-stream-engine/internal/api/ws"
	"april-stream-engine/internal/asr"
	"april-stream-engine/internal/asr/mock"
	"april-stream-engine/internal/config"
	"april-stream-engine/internal/events"
	"april-stream-engine/internal/model"
	"april-stream-engine/internal/observability"
	"april-stream-engine/internal/observability/logging"
	"april-stream-engine/internal/observability/metrics"
)

// Audio front-end constants: PCM16 mono at 16kHz, 10ms hop.
const (
	samplesPerFrame = 160
	frameStrideMS   = 10
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The root logger needs the config; fall back to defaults for
		// this one message.
		fallback := logging.New(logging.DefaultConfig())
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logging.New(cfg.Logging)
	log.Info().
		Str("apiAddr", cfg.Server.APIAddr).
		Str("backend", cfg.Model.Backend).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("Starting april-stream-engine")

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sessionCfg, err := buildSessionConfig(cfg.Model, log, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize model")
	}

	factory := func(sessionLog zerolog.Logger, handler asr.Handler) (*asr.Feeder, *asr.Session, error) {
		backend := mock.NewBackend(len(sessionCfg.Tokens), sessionCfg.BlankID, nil)
		fx := mock.NewExtractor(sessionCfg.Shape.FrameLen, samplesPerFrame, frameStrideMS)
		session, err := asr.NewSession(sessionCfg, backend, fx, handler, sessionLog)
		if err != nil {
			return nil, nil, err
		}
		feeder := asr.NewFeeder(session, asr.FeederConfig{
			Async:      cfg.Engine.AsyncFeed,
			QueueDepth: cfg.Engine.QueueDepth,
		}, sessionLog, m)
		return feeder, session, nil
	}

	publisher := events.New(&cfg.Kafka, logging.WithComponent(log, "events"), m)

	limits := ws.Limits{
		MaxAudioBytes: cfg.Engine.MaxAudioBytes,
		MaxDuration:   cfg.Engine.GetMaxStreamDuration(),
	}
	apiServer := ws.NewServer(cfg.Server.APIAddr, factory, publisher, m, limits, log)

	obsServer := observability.NewServer(cfg.Server.ObservabilityAddr, registry, logging.WithComponent(log, "observability"))
	obsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Observability server shutdown error")
		}
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Publisher close error")
		}
		return nil
	})

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdownSignal:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	case <-ctx.Done():
		log.Info().Msg("Context done, shutting down")
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Engine exited with error")
	}
	log.Info().Msg("Engine stopped")
}

// buildSessionConfig derives the recognition configuration. With a
// model path configured the container supplies name, language and
// type; the mock backend supplies the inference and a minimal token
// table.
func buildSessionConfig(mc config.ModelConfig, log zerolog.Logger, m *metrics.Metrics) (asr.Config, error) {
	shape := asr.NetworkShape{
		FrameLen:       80,
		HiddenSize:     256,
		CellSize:       256,
		EncoderOutSize: 512,
		DecoderOutSize: 512,
		ContextSize:    2,
	}
	tokens := []string{"<blk>"}

	cfg := asr.Config{
		ModelName:     "mock",
		Language:      "en-us",
		ModelType:     model.TypeLSTMTransducerStateless,
		Tokens:        tokens,
		BlankID:       0,
		Shape:         shape,
		ForceRealtime: mc.ForceRealtime,
		SpeedInterval: mc.GetSpeedInterval(),
	}

	if mc.Path == "" {
		return cfg, nil
	}

	container, err := model.Open(mc.Path)
	m.RecordModelLoad(err)
	if err != nil {
		return cfg, err
	}
	defer container.Close()

	// The mock backend keeps its built-in blank-only token table; a
	// real backend would decode the table and network shapes from the
	// container's parameter blob during weight initialization. Until
	// one exists, a configured model contributes metadata only.
	log.Warn().Msg("Mock backend in use, model supplies metadata only")

	log.Info().
		Str("path", mc.Path).
		Str("name", container.Name()).
		Str("language", container.Language()).
		Stringer("type", container.ModelType()).
		Uint64("paramsBytes", container.ParamsSize()).
		Int("networks", container.NetworkCount()).
		Msg("Model container loaded")

	cfg.ModelName = container.Name()
	cfg.Language = container.Language()
	cfg.ModelType = container.ModelType()
	return cfg, nil
}
