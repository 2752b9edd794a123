package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lipsync-service/internal"
	"lipsync-service/internal/api"
	"lipsync-service/internal/composite"
	"lipsync-service/internal/face"
	"lipsync-service/internal/gpu"
	"lipsync-service/internal/inference"
	"lipsync-service/internal/ingest"
	"lipsync-service/internal/jobs"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/monitor"
	"lipsync-service/internal/motion"
	"lipsync-service/internal/pipeline"
	"lipsync-service/internal/s3"
	"lipsync-service/internal/scheduler"
	"lipsync-service/internal/speech"
	"lipsync-service/internal/tempstore"
	"lipsync-service/internal/video"
)

const (
	inferenceTimeout = 2 * time.Minute
	ttsTimeout       = time.Minute
	shutdownTimeout  = 30 * time.Second
)

func main() {
	// Load .env file if it exists (try multiple paths)
	for _, path := range []string{".env", "../.env", "../../.env"} {
		_ = godotenv.Load(path)
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.ErrorsLog)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorf("lipsync: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg internal.Config, log *logging.Logger) error {
	engine, err := buildEngine(ctx, cfg, log)
	if err != nil {
		return err
	}

	var (
		detector ingest.FaceDetector = face.NewSkinDetector()
		model    motion.Model        = motion.ParametricModel{}
		probe    monitor.DeviceProbe = monitor.NvidiaSMI{}
	)
	if cfg.InferenceURL != "" {
		client := inference.NewClient(cfg.InferenceURL, inferenceTimeout)
		detector, model, probe = client, client, client
		log.Infof("lipsync: face detection and motion via %s", cfg.InferenceURL)
	} else {
		log.Infof("lipsync: using built-in skin detector and parametric mouth model")
	}

	temp, err := tempstore.NewRoot(cfg.WorkDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return err
	}

	events := jobs.NewEventBus(1000)
	sinks := pipeline.Sinks{pipeline.LogSink{Log: log}, pipeline.EventSink{Bus: events}}

	alerter, err := monitor.NewTelegramAlerter(cfg.AlertTelegramToken, cfg.AlertChatID, log)
	if err != nil {
		log.Warnf("lipsync: alerts disabled: %v", err)
	}
	var alerts monitor.Alerter
	if alerter != nil {
		alerts = alerter
		sinks = append(sinks, monitor.AlertSink{Alerter: alerter, ErrorsLog: cfg.ErrorsLog})
	}
	mon := monitor.New(probe, alerts, log)

	var (
		archiver pipeline.Archiver
		sweeper  scheduler.ArchiveSweeper
	)
	if cfg.ArchiveEnabled() {
		client, err := s3.New(cfg)
		if err != nil {
			return err
		}
		archive := s3.NewArchive(client, cfg.ArchivePrefix, log)
		archiver, sweeper = archive, archive
		log.Infof("lipsync: archiving results to s3://%s/%s", cfg.S3Bucket, cfg.ArchivePrefix)
	}

	gate := gpu.NewGate(cfg.GPUSlots, cfg.QueueDepth)
	orch := pipeline.New(cfg, pipeline.Deps{
		Ingestor:   ingest.NewIngestor(cfg, ingest.NewFFmpegDecoder(log), detector, log),
		Speech:     speech.NewSynthesizer(engine, speech.Voice{Name: cfg.TTSVoice, SampleRate: cfg.TTSSampleRate}, cfg.MaxTextChars, log),
		Motion:     motion.NewGenerator(model, cfg.BatchSize, log),
		Compositor: composite.NewCompositor(cfg.FeatherPx, cfg.MissingBoxAlpha),
		Encoder:    video.NewEncoder(cfg, video.NewFFmpegMuxer(log), log),
		Gate:       gate,
		Temp:       temp,
		Registry:   jobs.NewRegistry(),
		Archiver:   archiver,
		Sink:       sinks,
		Log:        log,
	})

	cron, err := scheduler.New(cfg, orch, sweeper, log)
	if err != nil {
		return err
	}
	go func() {
		if err := cron.Run(ctx); err != nil {
			log.Errorf("scheduler stopped: %v", err)
		}
	}()
	go mon.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(cfg, orch, events, gate, mon, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("lipsync: listening on %s (gpu slots=%d, queue=%d, tts=%s)", cfg.HTTPAddr, cfg.GPUSlots, cfg.QueueDepth, engine.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("lipsync: http shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warnf("lipsync: jobs still running at exit: %v", err)
	}
	log.Infof("lipsync: stopped")
	return nil
}

func buildEngine(ctx context.Context, cfg internal.Config, log *logging.Logger) (speech.TextToSpeech, error) {
	switch cfg.TTSEngine {
	case "http":
		e := speech.NewHTTPEngine(cfg.TTSURL, ttsTimeout)
		if err := e.HealthCheck(ctx); err != nil {
			log.Warnf("lipsync: tts service at %s is not healthy yet: %v", cfg.TTSURL, err)
		}
		return e, nil
	case "gemini":
		return speech.NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiTTSModel)
	}
	return speech.ToneEngine{}, nil
}
