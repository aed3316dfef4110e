// Command localgitd runs the loopback git/deps broker daemon: it loads
// config, wires the security-gated HTTP surface, and serves until a
// termination signal triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"localgitd/internal/api"
	"localgitd/internal/approval"
	"localgitd/internal/config"
	"localgitd/internal/jobs"
	"localgitd/internal/pairing"
	"localgitd/internal/tokenstore"
)

func main() {
	logger := log.New(os.Stdout, "localgitd ", log.LstdFlags|log.LUTC)

	if err := run(logger); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger) error {
	dir, err := config.Dir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}

	tokens, err := tokenstore.Open(dir)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}

	pairingMgr := pairing.NewManager()
	jobsMgr := jobs.NewManager(cfg.JobsMaxConcurrent, time.Duration(cfg.JobsTimeoutSeconds)*time.Second, logger)
	approvalPolicy := approval.NewPolicy(cfg, logger)

	server := api.NewServer(cfg, tokens, pairingMgr, jobsMgr, approvalPolicy, logger)

	stopSweep := startBackgroundSweeps(pairingMgr, jobsMgr)
	defer stopSweep()

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var tlsSrv *http.Server
	if cfg.TLS.Enabled {
		tlsAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.TLS.Port)
		tlsSrv = &http.Server{
			Addr:              tlsAddr,
			Handler:           server.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("listening (tls) on %s", tlsAddr)
			if err := tlsSrv.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case sig := <-stop:
		logger.Printf("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if tlsSrv != nil {
		_ = tlsSrv.Shutdown(ctx)
	}
	return httpSrv.Shutdown(ctx)
}

// startBackgroundSweeps runs periodic housekeeping: pruning expired pairing
// codes and garbage-collecting terminal jobs that have aged out of the
// history ring. Returns a stop func for the ticker goroutine.
func startBackgroundSweeps(pm *pairing.Manager, jm *jobs.Manager) func() {
	ticker := time.NewTicker(1 * time.Minute)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				pm.Prune()
				jm.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
