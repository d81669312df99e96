// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"commit-notifier/internal/database"
	custom_errors "commit-notifier/internal/errors"
	"commit-notifier/internal/github"
	"commit-notifier/internal/metrics"
	"commit-notifier/internal/model"
	"commit-notifier/internal/notification"
	"commit-notifier/internal/scheduler"
)

const (
	defaultCommitLimit = 20
	maxCommitLimit     = 100
)

// RepositoryStore is the persistence behind the repository routes.
type RepositoryStore interface {
	Ping(ctx context.Context) error
	ListRepositories(ctx context.Context) ([]model.Repository, error)
	GetRepository(ctx context.Context, id int64) (model.Repository, error)
	CreateRepository(ctx context.Context, arg database.CreateRepositoryParams) (model.Repository, error)
	UpdateRepository(ctx context.Context, arg database.UpdateRepositoryParams) (model.Repository, error)
	DeleteRepository(ctx context.Context, id int64) error
	ListCommitsByRepository(ctx context.Context, repositoryID int64, limit int) ([]model.Commit, error)
}

// SchedulerController exposes the running scheduler.
type SchedulerController interface {
	Stats() scheduler.Stats
	TriggerNow() bool
}

// QuotaChecker reports the GitHub rate limit.
type QuotaChecker interface {
	CheckQuota(ctx context.Context) (model.Quota, error)
}

// Notifier sends notifications on demand.
type Notifier interface {
	TestNotifications(ctx context.Context) (notification.Report, error)
	SendCommitsForRepo(ctx context.Context, id int64, limit int) (int, error)
}

// Deps are the collaborators of the router.
type Deps struct {
	Store     RepositoryStore
	Scheduler SchedulerController
	Quota     QuotaChecker
	Notifier  Notifier
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Metrics
}

// Handler is the container for API dependencies.
type Handler struct {
	store     RepositoryStore
	scheduler SchedulerController
	quota     QuotaChecker
	notifier  Notifier
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(deps Deps, logger *slog.Logger) http.Handler {
	h := &Handler{
		store:     deps.Store,
		scheduler: deps.Scheduler,
		quota:     deps.Quota,
		notifier:  deps.Notifier,
		validate:  validator.New(),
		logger:    logger.With("component", "api"),
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(countRequests(deps.Metrics))
	}

	r.Get("/health", h.healthCheck)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		// Test notifications fetch and send for every repository; give them longer.
		r.With(middleware.Timeout(5*time.Minute)).Post("/repositories/test-notifications", h.testNotifications)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/scheduler/stats", h.getSchedulerStats)
			r.Post("/scheduler/run", h.runScheduler)
			r.Get("/github/quota", h.getQuota)

			r.Get("/repositories", h.listRepositories)
			r.Post("/repositories", h.createRepository)
			r.Route("/repositories/{id}", func(r chi.Router) {
				r.Get("/", h.getRepository)
				r.Patch("/", h.updateRepository)
				r.Delete("/", h.deleteRepository)
				r.Get("/commits", h.getCommits)
				r.Post("/notify", h.notifyRepository)
			})
		})
	})

	return r
}

// healthCheck reports whether the database is reachable.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /v1/scheduler/stats
func (h *Handler) getSchedulerStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.scheduler.Stats())
}

// runScheduler triggers a cycle in the background.
// POST /v1/scheduler/run
func (h *Handler) runScheduler(w http.ResponseWriter, r *http.Request) {
	if !h.scheduler.TriggerNow() {
		respondWithError(w, http.StatusConflict, "Scheduler is disabled, already running a cycle, or shutting down")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// GET /v1/github/quota
func (h *Handler) getQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := h.quota.CheckQuota(r.Context())
	if err != nil {
		h.logger.Error("Failed to check GitHub quota", "error", err)
		respondWithError(w, http.StatusBadGateway, "Failed to check GitHub quota")
		return
	}
	respondWithJSON(w, http.StatusOK, quota)
}

// GET /v1/repositories
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListRepositories(r.Context())
	if err != nil {
		h.internalError(w, "Failed to list repositories", err)
		return
	}
	respondWithJSON(w, http.StatusOK, repos)
}

type createRepositoryRequest struct {
	Repo                 string `json:"repo" validate:"required,max=512"`
	NotificationInterval *int   `json:"notification_interval" validate:"omitempty,oneof=1 2 3 6 12 24"`
}

// createRepository registers a repository. The repo may be a GitHub URL or 'owner/name[:branch]'.
// POST /v1/repositories
func (h *Handler) createRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if !h.decode(w, r, &req) {
		return
	}

	repoString, err := github.NormalizeRepoString(req.Repo)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, err := github.ParseRepoString(repoString)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := database.CreateRepositoryParams{
		RepoString:           repoString,
		Owner:                ref.Owner,
		Name:                 ref.Name,
		NotificationInterval: model.DefaultInterval,
	}
	if ref.Branch != "" {
		params.Branch = &ref.Branch
	}
	if req.NotificationInterval != nil {
		params.NotificationInterval = *req.NotificationInterval
	}

	repo, err := h.store.CreateRepository(r.Context(), params)
	if err != nil {
		h.storeError(w, "Failed to create repository", err)
		return
	}
	h.logger.Info("Repository registered", "repo", repo.RepoString, "id", repo.ID, "interval_hours", repo.NotificationInterval)
	respondWithJSON(w, http.StatusCreated, repo)
}

// GET /v1/repositories/{id}
func (h *Handler) getRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	repo, err := h.store.GetRepository(r.Context(), id)
	if err != nil {
		h.storeError(w, "Failed to get repository", err)
		return
	}
	respondWithJSON(w, http.StatusOK, repo)
}

type updateRepositoryRequest struct {
	Branch               *string `json:"branch" validate:"omitempty,max=255,excludesall=:"`
	NotificationInterval *int    `json:"notification_interval" validate:"omitempty,oneof=1 2 3 6 12 24"`
}

// updateRepository changes the branch and/or interval. An empty branch tracks the default branch.
// PATCH /v1/repositories/{id}
func (h *Handler) updateRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req updateRepositoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Branch == nil && req.NotificationInterval == nil {
		respondWithError(w, http.StatusBadRequest, "Nothing to update: provide 'branch' and/or 'notification_interval'")
		return
	}

	repo, err := h.store.UpdateRepository(r.Context(), database.UpdateRepositoryParams{
		ID:                   id,
		Branch:               req.Branch,
		NotificationInterval: req.NotificationInterval,
	})
	if err != nil {
		h.storeError(w, "Failed to update repository", err)
		return
	}
	respondWithJSON(w, http.StatusOK, repo)
}

// DELETE /v1/repositories/{id}
func (h *Handler) deleteRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteRepository(r.Context(), id); err != nil {
		h.storeError(w, "Failed to delete repository", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getCommits lists the notified commits recorded for a repository.
// GET /v1/repositories/{id}/commits?limit=N
func (h *Handler) getCommits(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, defaultCommitLimit)
	if !ok {
		return
	}

	if _, err := h.store.GetRepository(r.Context(), id); err != nil {
		h.storeError(w, "Failed to get repository", err)
		return
	}
	commits, err := h.store.ListCommitsByRepository(r.Context(), id, limit)
	if err != nil {
		h.internalError(w, "Failed to get commits", err)
		return
	}
	respondWithJSON(w, http.StatusOK, commits)
}

// testNotifications sends the latest commits of every repository without touching schedules.
// POST /v1/repositories/test-notifications
func (h *Handler) testNotifications(w http.ResponseWriter, r *http.Request) {
	report, err := h.notifier.TestNotifications(r.Context())
	if err != nil {
		h.storeError(w, "Test notifications failed", err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// notifyRepository sends the latest commits of one repository without touching its schedule.
// POST /v1/repositories/{id}/notify?limit=N
func (h *Handler) notifyRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, notification.DefaultCommitCount)
	if !ok {
		return
	}

	sent, err := h.notifier.SendCommitsForRepo(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, custom_errors.ErrNotFound) || errors.Is(err, custom_errors.ErrNotConfigured) {
			h.storeError(w, "Failed to send commits", err)
			return
		}
		h.logger.Error("Failed to send commits", "repo_id", id, "error", err)
		respondWithJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "messagesSent": sent})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"messagesSent": sent})
}

// decode reads a JSON body into dst and validates it. It writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// storeError maps domain errors to status codes and logs the rest.
func (h *Handler) storeError(w http.ResponseWriter, msg string, err error) {
	var invalidRepo *custom_errors.ErrInvalidRepoFormat
	switch {
	case errors.Is(err, custom_errors.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Repository not found")
	case errors.Is(err, custom_errors.ErrAlreadyExists):
		respondWithError(w, http.StatusConflict, "Repository is already registered")
	case errors.Is(err, custom_errors.ErrInvalidInterval):
		respondWithError(w, http.StatusBadRequest, "notification_interval must be one of 1, 2, 3, 6, 12, 24")
	case errors.As(err, &invalidRepo):
		respondWithError(w, http.StatusBadRequest, invalidRepo.Error())
	case errors.Is(err, custom_errors.ErrNotConfigured):
		respondWithError(w, http.StatusServiceUnavailable, "GITHUB_TOKEN, TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set")
	default:
		h.internalError(w, msg, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	respondWithError(w, http.StatusInternalServerError, "Internal server error")
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid repository id")
		return 0, false
	}
	return id, true
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return def, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > maxCommitLimit {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return 0, false
	}
	return limit, true
}
