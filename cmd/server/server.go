// Package server implements the serve command: the webhook endpoint and
// the build queue it feeds.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/logging"
	"github.com/oar-cd/hoist/queue"
	"github.com/oar-cd/hoist/repository"
	"github.com/oar-cd/hoist/webhook"
)

const shutdownTimeout = 30 * time.Second

// NewCmdServer creates the serve command
func NewCmdServer() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and build queue",
		Long: `Listen for signed GitHub push events. Each push to an allow-listed
repository is debounced, built, smoke tested and deployed to the repository's
target. A newer push cancels a build still in progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runServer(cmd); err != nil {
				return utils.HandleCommandError(cmd, "serving", err)
			}
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Listen address (defaults to HOIST_HTTP_HOST:HOIST_HTTP_PORT)")
	return cmd
}

func runServer(cmd *cobra.Command) error {
	cfg := app.GetConfig()
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.ListenAddr()
	}

	q := queue.New(cfg.Debounce, app.NewBuildRunner().Run)
	q.OnChange = persistJob(app.GetBuildJobRepository())
	defer q.Close()

	handler, err := webhook.NewHandler(cfg.WebhookSecret, app.GetInventory(), q)
	if err != nil {
		return err
	}
	r := webhook.NewRouter(handler)
	mountJobs(r, q)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleShutdown(ctx, cancel)

	return serve(ctx, addr, r)
}

// serve blocks until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		slog.Info("Webhook server starting", "layer", "server", "address", "http://"+addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down webhook server", "layer", "server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook server shutdown failed: %w", err)
	}
	slog.Info("Webhook server stopped", "layer", "server")
	return nil
}

// mountJobs exposes the queue's in-memory job list.
func mountJobs(r chi.Router, q *queue.Queue) {
	r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
		type jobView struct {
			ID         string    `json:"id"`
			Repo       string    `json:"repo"`
			Revision   string    `json:"revision"`
			State      string    `json:"state"`
			EnqueuedAt time.Time `json:"enqueued_at"`
			Error      string    `json:"error,omitempty"`
		}
		jobs := q.Jobs()
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			v := jobView{
				ID:         j.ID.String(),
				Repo:       j.Repo,
				Revision:   j.Revision,
				State:      string(j.State),
				EnqueuedAt: j.EnqueuedAt,
			}
			if j.Err != nil {
				v.Error = j.Err.Error()
			}
			views = append(views, v)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			logging.OperationFailed("server", "list_jobs", err)
		}
	})
}

// persistJob records every job transition; a failed write is logged only.
func persistJob(repo repository.BuildJobRepository) func(domain.BuildJob) {
	return func(job domain.BuildJob) {
		if repo == nil {
			return
		}
		if err := repo.Save(job); err != nil {
			logging.OperationFailed("server", "save_build_job", err, "repo", job.Repo, "job", job.ID.String())
		}
	}
}

// handleShutdown handles OS signals for graceful shutdown
func handleShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
		slog.Info("Shutdown signal received", "layer", "server")
		cancel()
	case <-ctx.Done():
	}
}
