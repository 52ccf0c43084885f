/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the studio scheduling server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve    (default) Run the HTTP API and the background sweeps
  migrate  Create or update the database schema and exit
  token    Print a signed bearer token for a user id and role

STARTUP SEQUENCE:
  1. Load configuration (.env, STUDIO_* variables, flags)
  2. Open the store (sqlite or postgres) and migrate
  3. Build the notification dispatcher
  4. Wire credits, booking and waitlist services
  5. Register sweeps with the scheduler
  6. Configure HTTP router and start serving

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides STUDIO_PORT)
  -db      Database path or DSN (overrides STUDIO_DATABASE_URL)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop sweeps and wait for waitlist notifications in flight
  4. Drain the notification queue
  5. Close database connection

EXAMPLES:
  # Run with file database
  STUDIO_JWT_SECRET=dev ./server -db="./data/studio.db"

  # Issue an admin token
  STUDIO_JWT_SECRET=dev ./server token -sub=admin-1 -role=admin

  # Postgres
  STUDIO_DB_DRIVER=postgres STUDIO_DATABASE_URL="postgres://..." ./server migrate

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - scheduler/runner.go: Sweep loop
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/capacity"
	"github.com/warp/studio-engine/config"
	"github.com/warp/studio-engine/credits"
	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/scheduler"
	"github.com/warp/studio-engine/store/postgres"
	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/waitlist"
)

type store interface {
	studio.TxStore
	io.Closer
}

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "migrate":
		err = migrate(args)
	case "token":
		err = token(args)
	default:
		err = fmt.Errorf("unknown command %q (want serve, migrate or token)", cmd)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// loadConfig parses the shared flags on top of the environment.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	port := fs.Int("port", 0, "HTTP server port")
	dbPath := fs.String("db", "", "Database path or DSN")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DatabaseURL = *dbPath
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.New(cfg.DatabaseURL)
	default:
		return sqlite.New(cfg.DatabaseURL)
	}
}

func migrate(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("migrate", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	// Opening a store migrates it.
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Printf("✅ %s schema up to date", cfg.DBDriver)
	return s.Close()
}

func token(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "", "User id the token is issued to")
	role := fs.String("role", string(studio.RoleClient), "client, professor or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("-sub is required")
	}
	r, err := studio.ParseRole(*role)
	if err != nil {
		return err
	}

	tok, err := api.NewAuthenticator(cfg.JWTSecret, studio.SystemClock{}).IssueToken(studio.UserID(*sub), r, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// newDispatcher builds the notification path. The returned func drains it.
func newDispatcher(cfg *config.Config) (notify.Dispatcher, func(), error) {
	m := cfg.MailConfig
	var sender notify.Sender
	switch m.Driver {
	case "amqp":
		pub, err := notify.NewAMQPPublisher(m.AMQPURL, m.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				log.Printf("[Notify] close publisher: %v", err)
			}
		}, nil
	case "smtp":
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     m.SMTPHost,
			Port:     m.SMTPPort,
			Username: m.SMTPUsername,
			Password: m.SMTPPassword,
			From:     m.From,
		})
	case "sendgrid":
		sender = notify.NewSendGridSender(m.SendGridKey, m.FromName, m.From)
	default:
		sender = notify.LogSender{}
	}
	q := notify.NewQueue(sender, cfg.NotifyConfig.Buffer, cfg.NotifyConfig.Workers)
	return q, q.Close, nil
}

func serve(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	rules, err := cfg.Rules()
	if err != nil {
		return fmt.Errorf("invalid venue rules: %w", err)
	}

	// Initialize store
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer st.Close()

	events, drain, err := newDispatcher(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize notifications: %w", err)
	}
	defer drain()

	// Domain services
	clock := studio.SystemClock{}
	ledger := credits.NewLedger(clock)
	catalog := credits.DefaultCatalog()
	engine := capacity.NewEngine(rules)
	bookings := booking.NewService(st, ledger, engine, rules, clock, events)
	waits := waitlist.NewService(st, bookings, engine, rules, clock, events)
	bookings.OnSlotFreed(waits)
	defer waits.Wait()

	// Sweeps
	runner := scheduler.New()
	for _, t := range []scheduler.Task{
		{
			Name:     "waitlist-sweep",
			Interval: cfg.SweepConfig.Waitlist,
			Run: func(ctx context.Context) error {
				_, err := waits.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "reminder-sweep",
			Interval: cfg.SweepConfig.Reminders,
			Run: func(ctx context.Context) error {
				_, err := bookings.SendReminders(ctx)
				return err
			},
		},
	} {
		if err := runner.Add(t); err != nil {
			return err
		}
	}
	runner.Start()
	defer runner.Stop()

	// Initialize handler
	handler := &api.Handler{
		Store:    st,
		Bookings: bookings,
		Waitlist: waits,
		Credits:  credits.NewService(st, ledger, catalog, clock),
		Ledger:   ledger,
		Rules:    rules,
		Clock:    clock,
		Tasks:    runner,
	}
	auth := api.NewAuthenticator(cfg.JWTSecret, clock)
	router := api.NewRouter(handler, auth, cfg.CORSOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", cfg.Port)
		log.Printf("📊 API available at http://localhost:%d/api", cfg.Port)
		log.Printf("🗓  Venue %s, %d seats per slot, store %s, mail %s",
			rules.Location, rules.TotalCapacity, cfg.DBDriver, cfg.MailConfig.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}
