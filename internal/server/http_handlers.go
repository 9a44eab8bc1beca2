package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/sanonone/imagesdb/pkg/clip"
	"github.com/sanonone/imagesdb/pkg/core/hnsw"
	"github.com/sanonone/imagesdb/pkg/embeddings"
	"github.com/sanonone/imagesdb/pkg/engine"
)

// maxBodyBytes bounds request bodies; classify requests carry whole images.
const maxBodyBytes = 32 << 20

// registerHTTPHandlers sets up the REST routes.
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/records", s.handlePutRecord)
	mux.HandleFunc("POST /v1/records/batch", s.handlePutBatch)
	mux.HandleFunc("GET /v1/records", s.handleListRecords)
	mux.HandleFunc("DELETE /v1/records", s.handleRemoveAll)
	mux.HandleFunc("GET /v1/records/{id}", s.handleGetRecord)
	mux.HandleFunc("DELETE /v1/records/{id}", s.handleRemoveRecord)

	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/search/text", s.handleTextSearch)
	mux.HandleFunc("POST /v1/images", s.handleIndexImages)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/classify", s.handleClassify)

	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/repair", s.handleRepair)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Records ---

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	var req PutRecordRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.col.Put(r.Context(), req.Key, req.Embedding)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusCreated, rec)
}

func (s *Server) handlePutBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	recs, err := s.col.PutBatch(r.Context(), req.Items)
	if err != nil {
		status, code := errorStatus(err)
		s.writeHTTPResponse(w, status, struct {
			BatchPutResponse
			Code string `json:"code"`
		}{BatchPutResponse{Records: recs, Error: err.Error()}, code})
		return
	}
	s.writeHTTPResponse(w, http.StatusCreated, BatchPutResponse{Records: recs})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs := s.col.GetAll()
	if v := r.URL.Query().Get("embeddings"); v != "" {
		if with, err := strconv.ParseBool(v); err == nil && !with {
			for i := range recs {
				recs[i].Embedding = nil
			}
		}
	}
	s.writeHTTPResponse(w, http.StatusOK, ListRecordsResponse{Records: recs, Count: len(recs)})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.col.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, rec)
}

func (s *Server) handleRemoveRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	removed, err := s.col.Remove(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !removed {
		s.writeHTTPError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, RemoveResponse{Removed: true})
}

func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.col.RemoveAll(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]bool{"cleared": true})
}

// --- Search ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	res, err := s.col.Search(req.Embedding, req.K, req.Ef)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, SearchResponse{
		Results:            toSearchResults(res.Hits),
		NumVectorsSearched: res.NumVectorsSearched,
		TimeTakenMillis:    res.TimeTakenMillis,
	})
}

func (s *Server) handleTextSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireEmbedder(w) {
		return
	}
	var req TextSearchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	res, err := s.searcher.Query(r.Context(), req.Query, clip.SearchOptions{K: req.K, Ef: req.Ef, Threshold: req.Threshold})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, SearchResponse{
		Query:              res.Query,
		Results:            toSearchResults(res.Matches),
		NumVectorsSearched: res.Raw.NumVectorsSearched,
		TimeTakenMillis:    res.Raw.TimeTakenMillis,
	})
}

// --- CLIP workflows ---

func (s *Server) handleIndexImages(w http.ResponseWriter, r *http.Request) {
	if !s.requireEmbedder(w) {
		return
	}
	var req IndexImagesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	paths, err := clip.ExpandPaths(req.Paths)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	if !req.Async {
		report, err := s.indexer.IndexImages(r.Context(), paths)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeHTTPResponse(w, http.StatusOK, report)
		return
	}

	task := s.taskManager.NewTask(len(paths))
	ix := *s.indexer
	ix.Progress = func(done, _, _ int) { task.SetProgress(done) }

	s.tasksWG.Add(1)
	go func() {
		defer s.tasksWG.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.closing:
				cancel()
			case <-ctx.Done():
			}
		}()
		report, err := ix.IndexImages(ctx, paths)
		if err != nil {
			slog.Error("Image indexing task failed", "task", task.ID(), "error", err)
			task.SetError(err, report)
			return
		}
		task.Complete(report)
	}()
	s.writeHTTPResponse(w, http.StatusAccepted, task.View())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskManager.GetTask(r.PathValue("id"))
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, task.View())
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if !s.requireEmbedder(w) {
		return
	}
	var req ClassifyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	image := req.Image
	if len(image) == 0 && req.Path != "" {
		data, err := os.ReadFile(req.Path)
		if err != nil {
			s.writeHTTPError(w, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		image = data
	}
	scores, err := s.classifier.Classify(r.Context(), image, req.Classes)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, ClassifyResponse{Scores: scores})
}

// --- Administration ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, s.col.Stats())
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report := s.col.Verify()
	s.writeHTTPResponse(w, http.StatusOK, VerifyResponse{Consistent: report.Consistent(), ConsistencyReport: report})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	report, err := s.col.Repair(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	after := s.col.Verify()
	s.writeHTTPResponse(w, http.StatusOK, VerifyResponse{Consistent: after.Consistent(), ConsistencyReport: report})
}

// --- Helpers ---

func (s *Server) requireEmbedder(w http.ResponseWriter) bool {
	if s.searcher == nil {
		s.writeHTTPError(w, http.StatusNotImplemented, "no_embedder", "no embedder configured")
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid_argument", "id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// errorStatus maps an error onto an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrDimensionMismatch):
		return http.StatusBadRequest, "dimension_mismatch"
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, hnsw.ErrInvalidVector), errors.Is(err, engine.ErrOutOfRange):
		return http.StatusBadRequest, "invalid_vector"
	case errors.Is(err, embeddings.ErrEmptyInput), errors.Is(err, clip.ErrNoClasses):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	s.writeHTTPError(w, status, code, err.Error())
}

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, code, message string) {
	s.writeHTTPResponse(w, statusCode, ErrorResponse{Error: message, Code: code})
}
