package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/modpack-downloader/internal/config"
	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	"github.com/MimeLyc/modpack-downloader/internal/source"
	"github.com/MimeLyc/modpack-downloader/pkg/file"
	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

const missingFieldsMessage = "Missing version, loader, or file."

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	target := jobs.Target{
		GameVersion: strings.TrimSpace(r.FormValue("mcVersion")),
		Loader:      strings.TrimSpace(r.FormValue("modLoader")),
	}
	upload, header, err := r.FormFile("modsFile")
	if err != nil || target.GameVersion == "" || target.Loader == "" {
		writeError(w, http.StatusBadRequest, missingFieldsMessage)
		return
	}
	defer upload.Close()

	mediaType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/plain" {
		writeError(w, http.StatusBadRequest, "Only .txt files are allowed")
		return
	}

	items, err := s.stageAndRead(upload)
	if err != nil {
		log.Error("Upload %s: %v", GetRequestID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	s.submit(w, r, jobs.Submission{Items: items, Target: target})
}

// stageAndRead copies the upload into the staging dir, reads its lines and
// deletes the staged copy.
func (s *Server) stageAndRead(upload io.Reader) ([]string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, err
	}
	staged, err := os.CreateTemp(s.uploadDir, "upload-*.txt")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(staged.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Remove staged upload %s: %v", staged.Name(), err)
		}
	}()

	if _, err := io.Copy(staged, upload); err != nil {
		_ = staged.Close()
		return nil, err
	}
	if err := staged.Close(); err != nil {
		return nil, err
	}
	return file.ReadLinesFile(staged.Name())
}

type submitRequest struct {
	URLs      []string `json:"urls"`
	MCVersion string   `json:"mcVersion"`
	ModLoader string   `json:"modLoader"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	target := jobs.Target{
		GameVersion: strings.TrimSpace(req.MCVersion),
		Loader:      strings.TrimSpace(req.ModLoader),
	}
	if target.GameVersion == "" || target.Loader == "" {
		writeError(w, http.StatusBadRequest, "Missing version or loader.")
		return
	}

	items := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		if u = strings.TrimSpace(u); u != "" {
			items = append(items, u)
		}
	}
	s.submit(w, r, jobs.Submission{Items: items, Target: target})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, sub jobs.Submission) {
	res, err := s.runner.Submit(r.Context(), sub)
	if err != nil {
		log.Error("Submit %s: %v", GetRequestID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := pathID(r, apiPrefix+"/results/")
	results, ok := s.registry.Results(id)
	if !ok {
		results = []jobs.ProcessingResult{}
		if s.history != nil && id != "" {
			if summary, found, err := s.history.GetJob(r.Context(), id); err == nil && found {
				results = summary.Results
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

type jobResponse struct {
	ID         string      `json:"id"`
	Status     jobs.Status `json:"status"`
	Target     jobs.Target `json:"target"`
	TotalItems int         `json:"totalMods"`
	Processed  int         `json:"processed"`
	Succeeded  int         `json:"succeeded"`
	Artifact   string      `json:"zipUrl,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := pathID(r, apiPrefix+"/jobs/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	if job, ok := s.registry.Get(id); ok {
		writeJSON(w, http.StatusOK, jobResponse{
			ID:         job.ID,
			Status:     job.Status,
			Target:     job.Target,
			TotalItems: len(job.Items),
			Processed:  len(job.Results),
			Succeeded:  job.Succeeded(),
			Artifact:   job.Artifact,
			Error:      job.Error,
			CreatedAt:  job.CreatedAt,
			UpdatedAt:  job.UpdatedAt,
		})
		return
	}

	if s.history != nil {
		summary, found, err := s.history.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if found {
			writeJSON(w, http.StatusOK, jobResponse{
				ID:         summary.ID,
				Status:     summary.Status,
				Target:     summary.Target,
				TotalItems: summary.TotalItems,
				Processed:  len(summary.Results),
				Succeeded:  summary.Succeeded,
				Artifact:   summary.Artifact,
				Error:      summary.Error,
				CreatedAt:  summary.CreatedAt,
				UpdatedAt:  summary.FinishedAt,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "job not found")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history store is not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	summaries, err := s.history.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": summaries,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.search == nil {
		writeError(w, http.StatusNotImplemented, "search is not configured")
		return
	}

	query := r.URL.Query()
	q := strings.TrimSpace(query.Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "Missing or invalid query parameter 'q'")
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	raw, err := s.search.Search(r.Context(), source.SearchParams{
		Query:  q,
		Limit:  limit,
		Offset: offset,
		Sort:   query.Get("sort"),
	})
	if err != nil {
		log.Warn("Search %q failed: %v", q, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "Failed to fetch from Modrinth",
			"detail": err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "runtime settings are not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.settings.RuntimeSettings())
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.settings.ApplyRuntimeSettings(req); err != nil {
			log.Error("Apply runtime settings: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.settings.RuntimeSettings())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
