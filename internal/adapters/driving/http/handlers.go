package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/swaggo/swag"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// ErrorResponse represents an API error response
// @Description API error response
type ErrorResponse struct {
	Error string `json:"error" example:"invalid request body"`
}

// StatusResponse represents a simple status response
// @Description Simple status response
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// VersionResponse represents the API version response
// @Description API version response
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
}

// ReadyResponse lists failing dependencies
// @Description Readiness status
type ReadyResponse struct {
	Status string            `json:"status" example:"ready"`
	Checks map[string]string `json:"checks,omitempty"`
}

// StatsResponse summarises pipeline load
// @Description Submission counts per status and queue statistics
type StatsResponse struct {
	Submissions map[domain.SubmissionStatus]int `json:"submissions"`
	Queue       *driven.QueueStats              `json:"queue,omitempty"`
}

// GuidelineQueryRequest asks for the passages most similar to a text
// @Description Guideline retrieval query
type GuidelineQueryRequest struct {
	Category domain.Category `json:"category" example:"student-visa"`
	Text     string          `json:"text" example:"proof of sufficient funds"`
	K        int             `json:"k,omitempty" example:"5"`
}

// GenerateSlotsRequest extends the appointment calendar
// @Description Calendar extension request
type GenerateSlotsRequest struct {
	From time.Time `json:"from"`
	Days int       `json:"days" example:"14"`
}

// GenerateSlotsResponse reports new slots
// @Description Number of slots created
type GenerateSlotsResponse struct {
	Created int `json:"created" example:"50"`
}

const (
	defaultQueryK      = 5
	maxQueryK          = 50
	defaultSlotDays    = 14
	defaultSlotListMax = 50
)

// Health endpoints

// handleHealth godoc
// @Summary      Health check
// @Description  Returns the health status of the API
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Pings the database, queue, blob storage and index backends
// @Tags         Health
// @Produce      json
// @Success      200  {object}  ReadyResponse
// @Failure      503  {object}  ReadyResponse
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range s.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "unavailable", Checks: failed})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// handleVersion godoc
// @Summary      Get API version
// @Description  Returns the current API version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version})
}

func (s *Server) handleSwagger(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc()
	if err != nil {
		writeError(w, http.StatusNotFound, "api documentation not registered")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, doc)
}

// Auth endpoints

// handleIssueToken godoc
// @Summary      Issue a service token
// @Description  Exchange client credentials for a bearer token
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        request  body      domain.TokenRequest  true  "Client credentials"
// @Success      200      {object}  domain.TokenResponse
// @Failure      400      {object}  ErrorResponse  "Invalid request body"
// @Failure      401      {object}  ErrorResponse  "Invalid credentials"
// @Router       /auth/token [post]
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := s.authService.IssueToken(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ingestion endpoints

// handleUploadAttachment godoc
// @Summary      Upload an attachment
// @Description  Stores the raw request body and returns the reference to put in a submission
// @Tags         Submissions
// @Accept       application/octet-stream
// @Produce      json
// @Security     BearerAuth
// @Param        filename  query     string  true  "Original file name"
// @Success      201       {object}  domain.AttachmentRef
// @Failure      400       {object}  ErrorResponse
// @Failure      413       {object}  ErrorResponse
// @Router       /attachments [post]
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "attachment storage not configured")
		return
	}
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "attachment too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read attachment")
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "attachment is empty")
		return
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	uri, err := s.attachments.Write(r.Context(), checksum+strings.ToLower(path.Ext(filename)), content)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.AttachmentRef{
		Filename:    path.Base(filename),
		ContentType: contentTypeOf(r.Header.Get("Content-Type"), content),
		Checksum:    checksum,
		URI:         uri,
		Size:        int64(len(content)),
	})
}

// contentTypeOf returns the declared media type without parameters, or a
// sniffed one when the client sent none or a generic one.
func contentTypeOf(declared string, content []byte) string {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(content))
	return mediaType
}

// handleSubmit godoc
// @Summary      Submit a request
// @Description  Registers a submission; redelivery of the same message returns the existing record
// @Tags         Submissions
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      domain.SubmissionDescriptor  true  "Submission descriptor"
// @Success      202      {object}  driving.SubmissionReceipt  "Accepted for processing"
// @Success      200      {object}  driving.SubmissionReceipt  "Already known"
// @Failure      400      {object}  ErrorResponse
// @Router       /submissions [post]
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var desc domain.SubmissionDescriptor
	if !decodeJSON(w, r, &desc) {
		return
	}

	receipt, err := s.pipelineService.Submit(r.Context(), desc)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	status := http.StatusAccepted
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// handleGetSubmission godoc
// @Summary      Get a submission
// @Description  Returns the submission with stage history, active records, appointment and terminal event
// @Tags         Submissions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Submission ID"
// @Success      200  {object}  driving.SubmissionView
// @Failure      404  {object}  ErrorResponse
// @Router       /submissions/{id} [get]
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	view, err := s.pipelineService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancelSubmission godoc
// @Summary      Cancel a submission
// @Description  Requests cancellation; honoured between stages and ignored once terminal
// @Tags         Submissions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Submission ID"
// @Success      202  {object}  domain.Submission
// @Failure      404  {object}  ErrorResponse
// @Router       /submissions/{id}/cancel [post]
func (s *Server) handleCancelSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.pipelineService.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// handleReevaluate godoc
// @Summary      Re-evaluate a submission
// @Description  Re-classifies and re-evaluates a finished submission as a new record version
// @Tags         Submissions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Submission ID"
// @Success      200  {object}  domain.ComplianceVerdict
// @Failure      404  {object}  ErrorResponse
// @Failure      400  {object}  ErrorResponse  "Submission not finished"
// @Failure      409  {object}  ErrorResponse  "Submission held by a worker"
// @Failure      422  {object}  ErrorResponse  "Permanent stage failure"
// @Failure      503  {object}  ErrorResponse  "Retriable stage failure"
// @Router       /submissions/{id}/reevaluate [post]
func (s *Server) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	verdict, err := s.pipelineService.Reevaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// handleStats godoc
// @Summary      Pipeline statistics
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  StatsResponse
// @Router       /stats [get]
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.pipelineService.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := StatsResponse{Submissions: counts}
	if s.taskQueue != nil {
		queueStats, err := s.taskQueue.Stats(r.Context())
		if err != nil {
			s.logger.Warn("queue stats unavailable", "error", err)
		} else {
			resp.Queue = queueStats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Guideline endpoints

// handleGuidelineStats godoc
// @Summary      Guideline corpus statistics
// @Tags         Guidelines
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  domain.CorpusStats
// @Router       /guidelines [get]
func (s *Server) handleGuidelineStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.guidelineService.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGuidelineQuery godoc
// @Summary      Query guideline passages
// @Description  Returns the k passages of a category most similar to the text
// @Tags         Guidelines
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      GuidelineQueryRequest  true  "Query"
// @Success      200      {array}   domain.ScoredPassage
// @Failure      400      {object}  ErrorResponse
// @Failure      503      {object}  ErrorResponse  "Index not loaded"
// @Router       /guidelines/query [post]
func (s *Server) handleGuidelineQuery(w http.ResponseWriter, r *http.Request) {
	var req GuidelineQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Category.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	k := req.K
	if k <= 0 {
		k = defaultQueryK
	}
	k = min(k, maxQueryK)

	hits, err := s.guidelineService.Query(r.Context(), req.Category, req.Text, k)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if hits == nil {
		hits = []domain.ScoredPassage{}
	}
	writeJSON(w, http.StatusOK, hits)
}

// handleGuidelineLoad godoc
// @Summary      Reload the guideline corpus
// @Description  Re-reads, re-embeds and atomically swaps the corpus
// @Tags         Guidelines
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  domain.CorpusStats
// @Failure      503  {object}  ErrorResponse
// @Router       /guidelines/load [post]
func (s *Server) handleGuidelineLoad(w http.ResponseWriter, r *http.Request) {
	stats, err := s.guidelineService.Load(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Appointment endpoints

// handleListSlots godoc
// @Summary      List open appointment slots
// @Tags         Appointments
// @Produce      json
// @Security     BearerAuth
// @Param        from   query     string  false  "Window start (RFC 3339), default now"
// @Param        to     query     string  false  "Window end (RFC 3339), default from + 14 days"
// @Param        limit  query     int     false  "Maximum slots"
// @Success      200    {array}   domain.AppointmentSlot
// @Failure      400    {object}  ErrorResponse
// @Router       /slots [get]
func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from := time.Now()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = t
	}
	to := from.AddDate(0, 0, defaultSlotDays)
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
		to = t
	}
	limit := defaultSlotListMax
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	slots, err := s.appointmentService.ListAvailable(r.Context(), domain.TimeWindow{Start: from, End: to}, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if slots == nil {
		slots = []*domain.AppointmentSlot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// handleGenerateSlots godoc
// @Summary      Extend the appointment calendar
// @Description  Creates working-day slots; existing slots are kept
// @Tags         Appointments
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      GenerateSlotsRequest  true  "Calendar range"
// @Success      201      {object}  GenerateSlotsResponse
// @Failure      400      {object}  ErrorResponse
// @Router       /slots [post]
func (s *Server) handleGenerateSlots(w http.ResponseWriter, r *http.Request) {
	var req GenerateSlotsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Days < 0 {
		writeError(w, http.StatusBadRequest, "days must not be negative")
		return
	}
	if req.Days == 0 {
		req.Days = defaultSlotDays
	}
	if req.From.IsZero() {
		req.From = time.Now()
	}

	created, err := s.appointmentService.GenerateSlots(r.Context(), req.From, req.Days)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, GenerateSlotsResponse{Created: created})
}

// Helpers

// writeDomainError maps core errors to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status, message := http.StatusInternalServerError, "internal server error"
	failure, isFailure := domain.AsFailure(err)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrBusy):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidCredentials):
		status, message = http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrTokenInvalid),
		errors.Is(err, domain.ErrTokenExpired):
		status, message = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNoAvailability):
		status, message = http.StatusConflict, "no appointment availability"
	case errors.Is(err, domain.ErrIndexNotLoaded):
		status, message = http.StatusServiceUnavailable, "guideline index not loaded"
	case errors.Is(err, domain.ErrServiceUnavailable):
		status, message = http.StatusServiceUnavailable, "service unavailable"
	case isFailure && failure.Retriable():
		w.Header().Set("Retry-After", "30")
		status, message = http.StatusServiceUnavailable, "temporarily unavailable: "+failure.Reason
	case isFailure:
		status, message = http.StatusUnprocessableEntity, failure.Reason
	case errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusGatewayTimeout, "request timed out"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
