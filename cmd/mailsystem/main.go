package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/FFasir/MailSystem/config"
	"github.com/FFasir/MailSystem/filter"
	"github.com/FFasir/MailSystem/logger"
	"github.com/FFasir/MailSystem/pkg/health"
	"github.com/FFasir/MailSystem/server/pop3"
	"github.com/FFasir/MailSystem/server/smtp"
	"github.com/FFasir/MailSystem/storage"
	"github.com/FFasir/MailSystem/userstore"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsystem version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	explicitConfig := isFlagSet("config")
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || explicitConfig {
			fmt.Fprintf(os.Stderr, "MAILSYSTEM: Failed to load configuration from %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		// No config file: run on defaults.
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "MAILSYSTEM: Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILSYSTEM: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("Starting mailsystem", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := os.MkdirAll(cfg.Storage.Root, 0755); err != nil {
		logger.Fatal("Failed to create storage root", "path", cfg.Storage.Root, "error", err)
	}
	if err := os.MkdirAll(cfg.Filters.Dir, 0755); err != nil {
		logger.Fatal("Failed to create filters directory", "path", cfg.Filters.Dir, "error", err)
	}

	store := storage.New(cfg.Storage.Root)
	gate := filter.New(cfg.Filters.Dir)
	users := userstore.New(cfg.Users.File)

	errChan := make(chan error, 1)
	var closers []func()
	var serversWg sync.WaitGroup

	if cfg.SMTP.Start {
		idleTimeout, err := cfg.SMTP.GetIdleTimeout()
		if err != nil {
			logger.Fatal("Invalid SMTP idle timeout", "error", err)
		}
		server := smtp.New(ctx, "smtp", cfg.SMTP.Addr, store, gate, users, smtp.SMTPServerOptions{
			Domain:      cfg.SMTP.Domain,
			IdleTimeout: idleTimeout,
			MaxErrors:   cfg.SMTP.GetMaxErrors(),
		})
		closers = append(closers, server.Close)
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			server.Start(errChan)
		}()
	}

	if cfg.POP3.Start {
		idleTimeout, err := cfg.POP3.GetIdleTimeout()
		if err != nil {
			logger.Fatal("Invalid POP3 idle timeout", "error", err)
		}
		server := pop3.New(ctx, "pop3", cfg.POP3.Addr, store, gate, users, pop3.POP3ServerOptions{
			IdleTimeout: idleTimeout,
			MaxErrors:   cfg.POP3.GetMaxErrors(),
		})
		closers = append(closers, server.Close)
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			server.Start(errChan)
		}()
	}

	if cfg.Metrics.Start {
		server := health.NewServer(cfg.Metrics.Addr, map[string]health.Check{
			"storage": storageCheck(cfg.Storage.Root),
			"filters": filtersCheck(cfg.Filters.Dir),
		})
		closers = append(closers, server.Close)
		go server.Start(errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errChan:
		logger.Error("Server error", "error", err)
		cancel()
	}

	for _, closeServer := range closers {
		closeServer()
	}

	done := make(chan struct{})
	go func() {
		serversWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(35 * time.Second):
		logger.Warn("Shutdown timed out")
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func storageCheck(root string) health.Check {
	return func() error {
		info, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", root)
		}
		return nil
	}
}

func filtersCheck(dir string) health.Check {
	return func() error {
		_, err := os.Stat(dir)
		return err
	}
}
