// Package main is the entry point for the WhatsApp assistant server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/cache"
	"github.com/capitalize-ai/whatsapp-assistant/internal/config"
	"github.com/capitalize-ai/whatsapp-assistant/internal/handler"
	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/media"
	"github.com/capitalize-ai/whatsapp-assistant/internal/middleware"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-assistant/internal/nats"
	"github.com/capitalize-ai/whatsapp-assistant/internal/service"
	"github.com/capitalize-ai/whatsapp-assistant/internal/store"
	"github.com/capitalize-ai/whatsapp-assistant/internal/whatsapp"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *logger.Logger
	if cfg.IsDevelopment() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting WhatsApp assistant", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "whatsapp-assistant", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:       cfg.NATS.URL,
		CAFile:    cfg.NATS.CAFile,
		CertFile:  cfg.NATS.CertFile,
		KeyFile:   cfg.NATS.KeyFile,
		Token:     cfg.NATS.Token,
		CredsFile: cfg.NATS.CredsFile,
	}, log)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer natsClient.Close()

	streams := natsclient.NewStreamManager(natsClient)
	if err := streams.EnsureStream(ctx); err != nil {
		return err
	}
	objects, err := natsclient.NewObjectStore(ctx, natsClient, natsclient.ObjectStoreConfig{
		Bucket:  cfg.NATS.MediaBucket,
		TTL:     cfg.NATS.MediaTTL,
		BaseURL: cfg.NATS.MediaBaseURL,
	})
	if err != nil {
		return err
	}

	backend, err := llm.NewOpenAIBackend(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, cfg.LLM.TranscriptionModel)
	if err != nil {
		return fmt.Errorf("creating assistant backend: %w", err)
	}
	describer, err := llm.NewDescriber(llm.Provider(cfg.LLM.DescriberProvider),
		cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, cfg.LLM.AnthropicAPIKey, cfg.LLM.VisionModel)
	if err != nil {
		log.Warn("image descriptions disabled", zap.Error(err))
		describer = llm.NopDescriber{}
	}
	transcoder := media.NewTranscoder(cfg.LLM.TranscodeEnabled, cfg.LLM.FFmpegPath, log)
	log.Info("media helpers ready",
		zap.String("describer", describer.Name()),
		zap.String("transcoder", transcoder.Name()),
	)

	wa := whatsapp.NewClient(whatsapp.ClientConfig{
		BaseURL:    cfg.WhatsApp.APIBaseURL,
		Timeout:    cfg.WhatsApp.HTTPTimeout,
		MaxRetries: cfg.WhatsApp.MaxRetries,
	}, log)

	p := cfg.Pipeline
	processed := cache.NewProcessedSet(p.ProcessedSetSize, p.ProcessedSetTTL)
	mediaCache := cache.NewMediaCache(cache.MediaCacheConfig{
		Size: p.MediaCacheSize,
		TTLs: map[model.MessageType]time.Duration{
			model.MessageTypeImage: p.ImageURLTTL,
			model.MessageTypeAudio: p.AudioURLTTL,
		},
		DefaultTTL: p.DefaultURLTTL,
	})

	messages := service.NewMessageService(db, processed, streams, log)
	conversations := service.NewConversationService(db, backend, streams, log)
	coord := service.NewRunCoordinator(backend, service.RunConfig{
		PollSchedule: p.RunPollSchedule,
		Timeout:      p.RunTimeout,
		CancelSettle: p.CancelSettle,
	}, log)

	pipeline := service.NewPipeline(service.Components{
		Dedup:         service.NewDuplicityChecker(db, processed, log),
		Conversations: conversations,
		Messages:      messages,
		Connections:   db,
		Text: service.NewTextProcessor(coord, messages, db, service.RetryConfig{
			Attempts:  p.TextAttempts,
			BaseDelay: p.RetryBaseDelay,
			MaxDelay:  p.RetryMaxDelay,
		}, p.OperatorPrefix),
		Image:    service.NewImageProcessor(wa, mediaCache, objects, describer, coord, messages),
		Audio:    service.NewAudioProcessor(wa, mediaCache, objects, transcoder, backend, coord, messages),
		Injector: service.NewHumanMessageInjector(backend, coord, p.OperatorPrefix, log),
		Sender: service.NewResponseSender(wa, messages, service.SenderConfig{
			FirstBlockMin:  p.FirstBlockMin,
			FirstBlockMax:  p.FirstBlockMax,
			InterBlock:     p.InterBlockDelay,
			MaxBlockLength: p.MaxBlockLength,
		}, log),
		Transport: wa,
		Publisher: streams,
	}, service.PipelineConfig{
		MaxMessageAge:      p.MaxMessageAge,
		ProcessTimeout:     p.ProcessTimeout,
		DeliveryTimeout:    p.DeliveryTimeout,
		DefaultAssistantID: cfg.LLM.DefaultAssistantID,
	}, log)

	process := func(ctx context.Context, in *model.IncomingMessage) error {
		_, err := pipeline.ProcessIncomingMessage(ctx, in)
		return err
	}

	// Cancelling intake stops new jobs; jobs already running finish unless
	// abortWork is called at the shutdown deadline.
	intake, stopIntake := context.WithCancel(context.Background())
	defer stopIntake()
	var (
		enqueuer  handler.Enqueuer
		abortWork func()
		workers   sync.WaitGroup
	)
	if cfg.NATS.QueueEnabled {
		queue := natsclient.NewQueue(natsClient, natsclient.QueueConfig{
			Workers:    cfg.NATS.QueueWorkers,
			AckWait:    cfg.NATS.AckWait,
			MaxDeliver: cfg.NATS.MaxDeliver,
		}, log)
		if err := queue.EnsureStream(ctx); err != nil {
			return err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := queue.Run(intake, process); err != nil {
				log.Error("queue consumer failed", zap.Error(err))
				stop()
			}
		}()
		enqueuer, abortWork = queue, queue.Abort
	} else {
		direct := natsclient.NewDirectQueue(intake, cfg.NATS.QueueWorkers, process, log)
		workers.Add(1)
		go func() {
			defer workers.Done()
			<-intake.Done()
			direct.Wait()
		}()
		enqueuer, abortWork = direct, direct.Abort
	}
	defer abortWork()

	healthHandler := handler.NewHealthHandler(natsClient, db)
	webhookHandler := handler.NewWebhookHandler(pipeline, enqueuer, handler.WebhookConfig{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
	}, log)
	if cfg.WhatsApp.AppSecret == "" {
		log.Warn("webhook signatures are not verified, WHATSAPP_APP_SECRET is empty")
	}
	operatorHandler := handler.NewOperatorHandler(pipeline, conversations, messages, objects, cfg.Location(), log)
	streamHandler := handler.NewStreamHandler(streams, operatorHandler, handler.StreamConfig{}, log)
	mediaHandler := handler.NewMediaHandler(objects, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks/whatsapp", func(r chi.Router) {
		r.Use(middleware.WebhookRateLimit(cfg.WebhookRateRequests, time.Minute))
		r.Get("/", webhookHandler.Verify)
		r.Post("/", webhookHandler.Receive)
	})

	// Media URLs are handed to the assistant, so they are public.
	r.Get("/media/*", mediaHandler.Serve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/media", operatorHandler.ListMedia)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", operatorHandler.ListMessages)
			r.Get("/activity", streamHandler.Stream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeOperatorWrite))
				r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
				r.Post("/operator-messages", operatorHandler.SendMessage)
				r.Post("/reset-thread", operatorHandler.ResetThread)
			})
		})

		r.With(
			middleware.RequireScope(middleware.ScopeOperatorWrite),
			middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow),
		).Post("/threads/{threadID}/inject", operatorHandler.Inject)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	stopIntake()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	drain := time.NewTimer(cfg.ShutdownTimeout)
	defer drain.Stop()
	select {
	case <-done:
	case <-drain.C:
		log.Warn("aborting jobs still running at the shutdown deadline", zap.Duration("grace", cfg.ShutdownTimeout))
		abortWork()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}

	log.Info("server stopped")
	return runErr
}
