package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"

	"hookdeploy/internal/deployment"
	"hookdeploy/internal/history"
	"hookdeploy/internal/security"
	"hookdeploy/internal/target"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	// RecentRunsLimit is the default number of runs returned by /status.
	RecentRunsLimit = 10

	// APIKeyHeader carries the key for /deploy and /status.
	APIKeyHeader = "X-API-Key"

	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// ErrAuthentication is returned for a bad webhook signature or API key.
var ErrAuthentication = errors.New("authentication failed")

// deployBody is the manual deploy request.
type deployBody struct {
	RepositoryFullName string `json:"repository_full_name" validate:"required"`
	Branch             string `json:"branch"`
}

// receiptResponse acknowledges an accepted, partially busy or skipped request.
type receiptResponse struct {
	Message string `json:"message"`
	*deployment.Receipt
}

// HandleWebhook handles GitHub webhook deliveries.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, status, problem := readPayload(r)
	if problem != "" {
		s.respondError(w, status, problem)
		return
	}

	// Verify before anything looks at the payload.
	if !VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), s.webhookSecret) {
		s.logger.Warn("Rejected webhook", "error", ErrAuthentication, "delivery", r.Header.Get("X-GitHub-Delivery"))
		s.respondError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "ping":
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	case "push":
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	if mediaType(r) == contentTypeForm {
		form, err := url.ParseQuery(string(body))
		if err != nil || form.Get("payload") == "" {
			s.respondError(w, http.StatusBadRequest, "Invalid form payload")
			return
		}
		body = []byte(form.Get("payload"))
	}

	parsed, err := github.ParseWebHook(event, body)
	if err != nil {
		s.logger.Warn("Failed to parse push payload", "error", err)
		s.respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	push, ok := parsed.(*github.PushEvent)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "Invalid push payload")
		return
	}

	repo := push.GetRepo().GetFullName()
	if err := security.ValidateRepoFullName(repo); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid repository: %v", err))
		return
	}

	branch, isBranch := strings.CutPrefix(push.GetRef(), "refs/heads/")
	if !isBranch {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-branch ref"})
		return
	}
	if push.GetDeleted() {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring branch deletion"})
		return
	}

	pusher := push.GetPusher().GetName()
	if pusher == "" {
		pusher = push.GetSender().GetLogin()
	}

	s.dispatch(w, r, deployment.Request{
		Repository: repo,
		Branch:     branch,
		Trigger:    deployment.TriggerWebhook,
		CommitSHA:  push.GetAfter(),
		Pusher:     pusher,
	})
}

// HandleDeploy handles manual deployment requests. The API key is checked
// before the body is read.
func (s *Server) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("Rejected manual deploy", "error", ErrAuthentication)
		s.respondError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	raw, status, problem := readPayload(r)
	if problem != "" {
		s.respondError(w, status, problem)
		return
	}

	var body deployBody
	if err := json.Unmarshal(raw, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.respondError(w, http.StatusBadRequest, "repository_full_name is required")
		return
	}
	if err := security.ValidateRepoFullName(body.RepositoryFullName); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid repository: %v", err))
		return
	}
	if body.Branch != "" {
		if err := security.ValidateBranchName(body.Branch); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid branch: %v", err))
			return
		}
	}

	s.dispatch(w, r, deployment.Request{
		Repository: body.RepositoryFullName,
		Branch:     body.Branch,
		Trigger:    deployment.TriggerManual,
	})
}

// dispatch submits req and maps the outcome to a response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req deployment.Request) {
	receipt, err := s.deployer.Submit(r.Context(), req)
	switch {
	case errors.Is(err, target.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "Unknown repository")
	case errors.Is(err, deployment.ErrBusy):
		s.respondJSON(w, http.StatusConflict, receiptResponse{Message: "Deployment already in progress", Receipt: receipt})
	case errors.Is(err, deployment.ErrShuttingDown):
		s.respondError(w, http.StatusServiceUnavailable, "Server is shutting down")
	case err != nil:
		s.logger.Error("Failed to submit deployment", "repository", req.Repository, "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to start deployment")
	case len(receipt.Runs) == 0:
		s.respondJSON(w, http.StatusOK, receiptResponse{Message: "No target for branch, skipping", Receipt: receipt})
	default:
		s.respondJSON(w, http.StatusAccepted, receiptResponse{Message: "Deployment accepted", Receipt: receipt})
	}
}

// HandleHealth handles health check requests. Targets with a deployment in
// progress are listed as repository@server.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	repos := s.targets.List()
	busy := []string{}
	if reporter, ok := s.deployer.(BusyReporter); ok {
		for _, repo := range repos {
			descriptors, err := s.targets.Resolve(repo)
			if err != nil {
				continue
			}
			for _, d := range descriptors {
				if reporter.Busy(d.Key()) {
					busy = append(busy, d.Key().String())
				}
			}
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"repositories": repos,
		"target_count": s.targets.Count(),
		"busy":         busy,
	})
}

// HandleStatus returns recent runs of a repository from the audit store.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.respondError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	if err := security.ValidateRepoFullName(repo); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid repository: %v", err))
		return
	}
	if _, err := s.targets.Resolve(repo); err != nil {
		s.respondError(w, http.StatusNotFound, "Unknown repository")
		return
	}

	if s.history == nil {
		s.respondError(w, http.StatusServiceUnavailable, "History not available")
		return
	}

	filter := history.Filter{
		Repository: repo,
		Server:     r.URL.Query().Get("server"),
		Limit:      RecentRunsLimit,
	}
	if filter.Server != "" {
		if _, err := s.targets.Get(target.Key{Repository: repo, Server: filter.Server}); err != nil {
			s.respondError(w, http.StatusNotFound, "Unknown server")
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	runs, err := s.history.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to read deployment history", "error", err, "repository", repo)
		s.respondError(w, http.StatusInternalServerError, "Failed to fetch deployment status")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"repository": repo,
		"runs":       runs,
	})
}

// authorized compares the API key in constant time. No configured key
// means the endpoint is closed.
func (s *Server) authorized(r *http.Request) bool {
	key := r.Header.Get(APIKeyHeader)
	if s.apiKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

// readPayload enforces the size and content type limits and returns the
// raw body, or the status and message to reject with.
func readPayload(r *http.Request) ([]byte, int, string) {
	if r.ContentLength > MaxPayloadBytes {
		return nil, http.StatusRequestEntityTooLarge, "Payload too large"
	}

	switch mediaType(r) {
	case contentTypeJSON, contentTypeForm:
	default:
		return nil, http.StatusUnsupportedMediaType, "Invalid content type"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, "Failed to read payload"
	}
	if len(body) > MaxPayloadBytes {
		return nil, http.StatusRequestEntityTooLarge, "Payload too large"
	}
	return body, http.StatusOK, ""
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}
