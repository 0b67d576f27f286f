package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/samber/lo"

	"github.com/mkrull/boorud/internal/adapter/fetcher"
	"github.com/mkrull/boorud/internal/domain"
	"github.com/mkrull/boorud/internal/events"
)

const maxUploadBytes = 512 << 20

// Server is the HTTP adapter exposing the job engine to clients.
type Server struct {
	svc         *domain.JobService
	broker      *events.Broker
	server      *http.Server
	handler     http.Handler
	token       string
	incomingDir string
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, broker *events.Broker, addr, token, incomingDir string) *Server {
	s := &Server{
		svc:         svc,
		broker:      broker,
		token:       token,
		incomingDir: incomingDir,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/upload", s.handleUploadJob)
		r.Post("/jobs/existing", s.handleTagExistingJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/{action}", s.handleJobAction)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"*"},
		MaxAge:         900, // 15 mins
	})
	s.handler = c.Handler(r)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
	}
	return s
}

// requireToken gates every job endpoint, including the event stream,
// behind the shared bearer token. An empty configured token disables auth.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// jobRequest is the body for URL and tag-existing submissions.
type jobRequest struct {
	URL                 string   `json:"url"`
	PostID              int64    `json:"post_id"`
	Source              string   `json:"source"`
	Tags                []string `json:"tags"`
	Safety              string   `json:"safety"`
	SkipTagging         bool     `json:"skip_tagging"`
	ReplaceOriginalTags bool     `json:"replace_original_tags"`
}

func (req *jobRequest) options() domain.SubmitOptions {
	return domain.SubmitOptions{
		Source:      req.Source,
		Tags:        req.Tags,
		Safety:      domain.Safety(req.Safety),
		SkipTagging: req.SkipTagging,
	}
}

// jobResponse is the JSON shape of a full job record.
type jobResponse struct {
	ID                  string   `json:"id"`
	Type                string   `json:"job_type"`
	Status              string   `json:"status"`
	URL                 string   `json:"url,omitempty"`
	OriginalFilename    string   `json:"original_filename,omitempty"`
	Source              string   `json:"source,omitempty"`
	Safety              string   `json:"safety,omitempty"`
	SkipTagging         bool     `json:"skip_tagging"`
	ReplaceOriginalTags bool     `json:"replace_original_tags,omitempty"`
	TargetPostID        int64    `json:"target_post_id,omitempty"`
	RelatedPostIDs      []int64  `json:"related_post_ids,omitempty"`
	ErrorMessage        string   `json:"error_message,omitempty"`
	TagsApplied         []string `json:"tags_applied"`
	TagsFromSource      []string `json:"tags_from_source"`
	TagsFromAI          []string `json:"tags_from_ai"`
	RetryCount          int      `json:"retry_count"`
	RetriesPending      bool     `json:"retry_pending,omitempty"`
	DurationSeconds     float64  `json:"duration_seconds"`
	StartedAt           string   `json:"started_at,omitempty"`
	CompletedAt         string   `json:"completed_at,omitempty"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	job, err := s.svc.SubmitURL(r.Context(), req.URL, req.options())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleUploadJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if !fetcher.IsMediaFile(header.Filename) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported media file %q", header.Filename))
		return
	}

	stored, err := s.storeUpload(file, header.Filename)
	if err != nil {
		log.Printf("store upload error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	req := jobRequest{
		Source:      r.FormValue("source"),
		Safety:      r.FormValue("safety"),
		SkipTagging: r.FormValue("skip_tagging") == "true",
	}
	if tags := r.FormValue("tags"); tags != "" {
		req.Tags = strings.Fields(tags)
	}

	job, err := s.svc.SubmitFile(r.Context(), header.Filename, stored, req.options())
	if err != nil {
		os.Remove(stored)
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) storeUpload(file io.Reader, name string) (string, error) {
	if err := os.MkdirAll(s.incomingDir, 0755); err != nil {
		return "", err
	}
	stored := filepath.Join(s.incomingDir, uuid.NewString()+"_"+filepath.Base(name))
	out, err := os.Create(stored)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		os.Remove(stored)
		return "", err
	}
	return stored, nil
}

func (s *Server) handleTagExistingJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PostID <= 0 {
		s.writeError(w, http.StatusBadRequest, "post_id is required")
		return
	}
	job, err := s.svc.SubmitTagExisting(r.Context(), req.PostID, req.ReplaceOriginalTags, req.options())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ListFilter{
		Status: domain.Status(q.Get("status")),
		Sort:   q.Get("sort"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	jobs, err := s.svc.List(r.Context(), filter)
	if err != nil {
		log.Printf("list jobs error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := lo.Map(jobs, func(job domain.Job, _ int) jobResponse {
		return jobToResponse(&job)
	})
	if resp == nil {
		resp = []jobResponse{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var job *domain.Job
	var err error
	switch chi.URLParam(r, "action") {
	case "start":
		job, err = s.svc.Start(r.Context(), id)
	case "pause":
		job, err = s.svc.Pause(r.Context(), id)
	case "stop":
		job, err = s.svc.Stop(r.Context(), id)
	case "resume":
		job, err = s.svc.Resume(r.Context(), id)
	case "retry":
		job, err = s.svc.Retry(r.Context(), id)
	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		log.Printf("stats error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrInvalidURL):
		s.writeError(w, http.StatusBadRequest, "invalid URL")
	case errors.Is(err, domain.ErrInvalidSafety):
		s.writeError(w, http.StatusBadRequest, "invalid safety rating")
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("request error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:                  job.ID,
		Type:                string(job.Type),
		Status:              string(job.Status),
		URL:                 job.URL,
		OriginalFilename:    job.OriginalFilename,
		Source:              job.Source(),
		Safety:              string(job.Safety),
		SkipTagging:         job.SkipTagging,
		ReplaceOriginalTags: job.ReplaceOriginalTags,
		TargetPostID:        job.TargetPostID,
		RelatedPostIDs:      job.RelatedPostIDs,
		ErrorMessage:        job.ErrorMessage,
		TagsApplied:         emptyIfNil(job.TagsApplied),
		TagsFromSource:      emptyIfNil(job.TagsFromSource),
		TagsFromAI:          emptyIfNil(job.TagsFromAI),
		RetryCount:          job.RetryCount,
		RetriesPending:      !job.NextRetryAt.IsZero(),
		DurationSeconds:     job.Duration(time.Now()),
		CreatedAt:           job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !job.StartedAt.IsZero() {
		resp.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if !job.CompletedAt.IsZero() {
		resp.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func emptyIfNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
