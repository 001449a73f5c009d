// Command captureserver hosts the host registry's HTTP surface (spec.md
// §4.8, §6): the five /server/system/* routes hosts register with, ping,
// and poll, plus the stale-host eviction sweep.
//
// Grounded on the teacher's internal/httpcontroller.Server.Start
// goroutine+errChan idiom for launching echo, generalized to run under
// internal/lifecycle.Supervisor instead of the teacher's own ad hoc
// errChan-draining goroutine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/capturehost/hostpipeline/internal/lifecycle"
	"github.com/capturehost/hostpipeline/internal/locks"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/regapi"
	"github.com/capturehost/hostpipeline/internal/registry"
)

const staleHostSweepInterval = 30 * time.Second

func main() {
	var addr string

	cmd := &cobra.Command{
		Use:   "captureserver",
		Short: "Run the host registry HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "address to listen on")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr string) error {
	logger := logging.ForService("captureserver")
	supervisor := lifecycle.New()

	lockMgr := locks.New()
	reg := registry.New(lockMgr)

	cleanupDone := make(chan struct{})
	go func() {
		reg.RunCleanupLoop(staleHostSweepInterval, supervisor.Context().Done())
		close(cleanupDone)
	}()
	supervisor.Register("registry-cleanup", func(ctx context.Context) error {
		select {
		case <-cleanupDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	server := regapi.New(reg)
	errChan := make(chan error, 1)
	go func() {
		if err := server.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	supervisor.Register("http-server", func(ctx context.Context) error {
		return server.Echo.Shutdown(ctx)
	})

	logger.Info("registry server listening", "addr", addr)

	select {
	case err := <-errChan:
		logger.Error("http server stopped", "error", err)
	case <-supervisor.Context().Done():
	}

	supervisor.Shutdown(10 * time.Second)
	return nil
}
