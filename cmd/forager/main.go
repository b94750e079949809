// Package main is the entry point for the forager autonomous liquidity
// agent. The process observes DEX pools, learns recurring behavior, and
// once confident, compounds and rebalances its positions without human
// intervention.
//
// Startup order matters: databases open first, then clients and the
// cognition modules, then persisted state is restored, and only then
// does the scheduler start ticking. The HTTP server is a read-side
// surface plus a control queue; it never drives the loop directly.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/forager/internal/config"
	"github.com/aristath/forager/internal/di"
	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/server"
	"github.com/aristath/forager/internal/version"
	"github.com/aristath/forager/pkg/logger"
)

func main() {
	// A config refusal is exit code 2: better a loud non-start than a
	// run on defaults the operator did not choose.
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(domain.ExitEmergency)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().
		Str("version", version.Version).
		Str("chain", cfg.Chain).
		Str("executor_mode", cfg.ExecutorMode).
		Msg("Starting forager")

	ctx := context.Background()
	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		os.Exit(domain.ExitEmergency)
	}

	srv := server.New(server.Config{
		Log:       log,
		Loop:      container.Loop,
		Stream:    container.Stream,
		Patterns:  container.Patterns,
		Governor:  container.Governor,
		Docs:      container.Docs,
		Events:    container.Events,
		Databases: container.Databases(),
		DataDir:   cfg.DataDir,
		Port:      cfg.Port,
	})

	// The feed is an enhancement, not a requirement: a failed dial
	// retries in the background while REST serves the loop.
	if err := container.Feed.Start(); err == nil {
		log.Info().Msg("Market data feed connected")
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	container.Scheduler.Start()
	log.Info().Dur("cycle_period", cfg.CyclePeriod).Msg("Scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := domain.ExitOK
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-container.Loop.Done():
		// The loop asks for termination itself on emergency stop or
		// budget shutdown; the exit code says which.
		exitCode = container.Loop.ExitCode()
		log.Warn().Int("exit_code", exitCode).Msg("Loop requested termination")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		exitCode = domain.ExitEmergency
	}

	// Stop the tick driver first: it joins the in-flight cycle, so a
	// decision mid-execution records its outcome before anything else
	// goes down.
	container.Scheduler.Stop()
	log.Info().Msg("Scheduler stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server stopped")

	container.Close()
	log.Info().Int("exit_code", exitCode).Msg("Forager stopped")
	os.Exit(exitCode)
}
