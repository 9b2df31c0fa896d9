package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskboard/internal/api"
	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/telemetry"
	"taskboard/pkg/events"
	"taskboard/pkg/lifecycle"
	"taskboard/pkg/notify"
	"taskboard/pkg/task"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, "taskboard", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	st, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	metrics := telemetry.NewMetrics()
	bus := events.NewBus()
	bus.OnDrop(func(e *events.Event) {
		metrics.Dropped()
		log.Printf("events: dropped %s for %s", e.Type, e.TaskID)
	})
	defer bus.Close()

	composer, err := task.NewNoteComposer(cfg.NoteLocale)
	if err != nil {
		log.Fatalf("note locale: %v", err)
	}
	var mailer notify.Mailer = notify.LogMailer{}
	if cfg.SMTPAddr != "" {
		mailer = &notify.SMTPMailer{
			Addr:     cfg.SMTPAddr,
			From:     cfg.MailFrom,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		}
	}
	notifier := notify.New(st, mailer, notify.Options{
		States:   cfg.Notify(),
		Recorder: metrics,
	})
	// The notifier reads a lossless queue of the events it watches. The bus
	// may drop events for slow stream clients.
	notifications := events.NewQueue(notifier.Watches)

	engine := lifecycle.New(st, lifecycle.Options{
		Publisher: events.Fanout{bus, notifications},
		Metrics:   metrics,
		Composer:  composer,
		Timeout:   cfg.StoreTimeout,
	})

	auth := api.NewAuthenticator([]byte(cfg.JWTSecret), st, cfg.TokenTTL).WithLookupTimeout(cfg.StoreTimeout)
	server := api.New(engine, auth, api.Options{
		Bus:        bus,
		Metrics:    metrics,
		CORSOrigin: cfg.CORSOrigin,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("taskboard listening on :%s (store %s)", cfg.Port, cfg.DBDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Runs until the queue is closed and drained, so entries committed
		// before shutdown are still mailed.
		notifier.Run(context.WithoutCancel(gctx), notifications.C())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("taskboard shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(sctx)
		notifications.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: %v", err)
	}
}
