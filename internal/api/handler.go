// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the ingestion service over HTTP: the on-demand cycle
// trigger, status and log views, and stored-file management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flightlog/ingestion/internal/attachments"
	"github.com/flightlog/ingestion/internal/ingest"
	"github.com/flightlog/ingestion/internal/models"
	"github.com/flightlog/ingestion/internal/spreadsheet"
)

// maxUploadSize bounds manual spreadsheet uploads.
const maxUploadSize = 32 << 20

// Service is the ingestion surface served over HTTP.
type Service interface {
	RunCycle(ctx context.Context) (*models.CycleSummary, error)
	Status() (models.IngestionStatus, error)
	Logs(limit int) ([]models.LogEntry, error)
	ListFiles(ctx context.Context) ([]models.StoredFile, error)
	IngestFile(ctx context.Context, fileName string, content []byte) (*models.ProcessedFile, error)
	DeleteFile(ctx context.Context, id string) error
}

// HealthCheck pings one backing dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler serves the REST API.
type Handler struct {
	svc         Service
	checks      []HealthCheck
	corsOrigins []string
}

// NewHandler creates an API handler. An empty origin list allows any
// origin.
func NewHandler(svc Service, checks []HealthCheck, corsOrigins []string) *Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Handler{
		svc:         svc,
		checks:      checks,
		corsOrigins: corsOrigins,
	}
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HandleHealth)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the /api routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/ingestion", func(r chi.Router) {
			r.Post("/run", h.HandleRun)
			r.Get("/status", h.HandleStatus)
			r.Get("/logs", h.HandleLogs)
		})
		r.Route("/files", func(r chi.Router) {
			r.Get("/", h.HandleListFiles)
			r.Post("/", h.HandleUpload)
			r.Delete("/{id}", h.HandleDeleteFile)
		})
	})
}

// HandleHealth reports whether every backing dependency answers.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			respondError(w, http.StatusServiceUnavailable, c.Name+" unhealthy")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleRun runs one ingestion cycle and returns its summary. The cycle is
// not cancelled if the client goes away.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.RunCycle(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ingest.ErrCycleInProgress):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"outcome": sum.Outcome(),
		"summary": sum,
	})
}

// HandleStatus returns the ingestion status singleton.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status()
	if err != nil {
		slog.Error("read ingestion status failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// HandleLogs returns recent log entries, newest first.
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.svc.Logs(limit)
	if err != nil {
		slog.Error("read ingestion logs failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"total": len(entries),
	})
}

// HandleListFiles returns every stored file.
func (h *Handler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.svc.ListFiles(r.Context())
	if err != nil {
		slog.Error("list files failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"total": len(files),
	})
}

// HandleUpload ingests a spreadsheet posted as the multipart field "file".
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	pf, err := h.svc.IngestFile(r.Context(), header.Filename, content)
	var perr *spreadsheet.ParseError
	switch {
	case errors.Is(err, spreadsheet.ErrUnsupportedFormat):
		respondError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case errors.As(err, &perr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": err.Error(),
			"file":  pf,
		})
		return
	case err != nil:
		slog.Error("manual ingest failed", "file", header.Filename, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, pf)
}

// HandleDeleteFile removes a stored file and its flights.
func (h *Handler) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.svc.DeleteFile(r.Context(), id)
	switch {
	case ingest.IsNotFound(err):
		respondError(w, http.StatusNotFound, "file not found")
		return
	case errors.Is(err, attachments.ErrInvalidID):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("delete file failed", "file", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
