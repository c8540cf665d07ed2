// Package webhook receives GitHub push events and turns them into queued
// builds for allow-listed repositories.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/logging"
)

const (
	// MaxBodySize matches GitHub's documented payload cap.
	MaxBodySize = 25 << 20

	dedupWindow   = time.Hour
	defaultBranch = "main"
	zeroRevision  = "0000000000000000000000000000000000000000"
)

// Enqueuer accepts a build trigger.
type Enqueuer interface {
	Trigger(repo domain.Repo, revision string) (domain.BuildJob, error)
}

// RepoLookup resolves an allow-listed repository by name.
type RepoLookup interface {
	Repo(name string) (domain.Repo, bool)
}

type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

type Handler struct {
	secret []byte
	repos  RepoLookup
	queue  Enqueuer
	now    func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

func NewHandler(secret string, repos RepoLookup, queue Enqueuer) (*Handler, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", domain.ErrConfig)
	}
	return &Handler{
		secret:     []byte(secret),
		repos:      repos,
		queue:      queue,
		now:        time.Now,
		deliveries: map[string]time.Time{},
	}, nil
}

// NewRouter mounts the webhook and a liveness endpoint.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/webhook", h.ServeHTTP)
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Nothing about the payload is looked at before the signature holds.
	if !Verify(h.secret, body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("Rejected webhook with invalid signature", "layer", "webhook", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	delivery := r.Header.Get("X-GitHub-Delivery")
	if delivery != "" && h.seen(delivery) {
		slog.Debug("Ignoring duplicate delivery", "layer", "webhook", "delivery", delivery)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		writeText(w, http.StatusOK, "pong")
		return
	case "", "push":
	default:
		slog.Debug("Ignoring webhook event", "layer", "webhook", "event", event)
		writeText(w, http.StatusOK, "ignored")
		return
	}

	var push pushEvent
	if err := json.Unmarshal(body, &push); err != nil || push.Ref == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	repo, ok := h.lookup(push)
	if !ok {
		slog.Warn("Repository not in allow-list, ignoring", "layer", "webhook",
			"repository", push.Repository.FullName, "clone_url", push.Repository.CloneURL)
		writeText(w, http.StatusAccepted, "ignored")
		return
	}

	branch := repo.Branch
	if branch == "" {
		branch = defaultBranch
	}
	if push.Ref != "refs/heads/"+branch {
		slog.Info("Ignoring push to another branch", "layer", "webhook",
			"repository", repo.Name, "ref", push.Ref, "branch", branch)
		writeText(w, http.StatusOK, "ignored")
		return
	}
	if push.Deleted || push.After == zeroRevision {
		writeText(w, http.StatusOK, "ignored")
		return
	}

	job, err := h.queue.Trigger(repo, push.After)
	if err != nil {
		logging.OperationFailed("webhook", "enqueue", err, "repository", repo.Name)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.remember(delivery)
	slog.Info("Webhook accepted", "layer", "webhook", "repository", repo.Name,
		"revision", shortRevision(push.After), "job", job.ID.String())
	writeText(w, http.StatusAccepted, "accepted")
}

// lookup tries the full name, the short name, then the clone URL's last
// path element.
func (h *Handler) lookup(push pushEvent) (domain.Repo, bool) {
	candidates := []string{push.Repository.FullName, push.Repository.Name}
	if push.Repository.CloneURL != "" {
		candidates = append(candidates, strings.TrimSuffix(path.Base(push.Repository.CloneURL), ".git"))
	}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if repo, ok := h.repos.Repo(name); ok {
			return repo, true
		}
	}
	return domain.Repo{}, false
}

// seen reports whether delivery was enqueued within the dedup window.
func (h *Handler) seen(delivery string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for id, at := range h.deliveries {
		if now.Sub(at) > dedupWindow {
			delete(h.deliveries, id)
		}
	}
	_, ok := h.deliveries[delivery]
	return ok
}

// remember records an enqueued delivery. A delivery that failed to
// enqueue is not remembered, so GitHub's redelivery is accepted.
func (h *Handler) remember(delivery string) {
	if delivery == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries[delivery] = h.now()
}

// Verify checks a GitHub "sha256=<hex>" signature over body in constant time.
func Verify(secret, body []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
