package http

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
	"github.com/couchcryptid/accident-enrichment-service/internal/pipeline"
)

const (
	sourceHTTP   = "http"
	maxBodyBytes = 64 << 10

	msgReceived      = "Data received successfully"
	msgDuplicate     = "Duplicate report ignored"
	msgMissingFields = "Invalid data. Please provide car_id, latitude, and longitude."
	msgStoreFailed   = "failed to store accident report"
	msgShuttingDown  = "service is shutting down"
	msgBodyTooLarge  = "request body too large"
	msgListFailed    = "failed to load accident records"
)

//go:embed templates/*.html
var templateFS embed.FS

var listingTemplate = template.Must(template.New("accidents.html").Funcs(template.FuncMap{
	"timestamp": func(r domain.StoredRecord) string { return r.ObservedAt.UTC().Format(domain.TimestampLayout) },
}).ParseFS(templateFS, "templates/accidents.html"))

type messageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSubmit accepts one accident report.
//
// @Summary     Submit an accident report
// @Description Validates, deduplicates, enriches with the nearest hospital and stores a report.
// @Tags        accidents
// @Accept      json
// @Produce     json
// @Param       report body     domain.RawReport true "Accident report"
// @Success     201    {object} messageResponse
// @Success     200    {object} messageResponse "Duplicate of the last accepted report"
// @Failure     400    {object} errorResponse
// @Failure     500    {object} errorResponse
// @Failure     503    {object} errorResponse
// @Router      /api/accident [post]
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sharedobs.WriteJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: msgBodyTooLarge})
			return
		}
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	raw, err := domain.ParseRawReport(body)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	record, err := s.intake.Submit(r.Context(), sourceHTTP, raw)
	var verr *domain.ValidationError
	switch {
	case err == nil:
		s.logger.Info("accident stored",
			"source", sourceHTTP,
			"id", record.ID,
			"car_id", record.CarID,
			"hospital_found", record.Hospital != nil && record.Hospital.Available(),
		)
		sharedobs.WriteJSON(w, http.StatusCreated, messageResponse{Message: msgReceived, ID: record.ID})
	case errors.Is(err, pipeline.ErrDuplicate):
		sharedobs.WriteJSON(w, http.StatusOK, messageResponse{Message: msgDuplicate})
	case errors.Is(err, domain.ErrMissingField):
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingFields})
	case errors.As(err, &verr):
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, pipeline.ErrClosed):
		sharedobs.WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msgShuttingDown})
	default:
		s.logger.Error("failed to store accident", "source", sourceHTTP, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: msgStoreFailed})
	}
}

// handleListJSON returns every stored record.
//
// @Summary  List stored accidents
// @Tags     accidents
// @Produce  json
// @Success  200 {array}  domain.StoredRecord
// @Failure  500 {object} errorResponse
// @Router   /api/accidents [get]
func (s *Server) handleListJSON(w http.ResponseWriter, r *http.Request) {
	records, err := s.lister.ListAll(r.Context())
	if err != nil {
		s.logger.Error("failed to list accidents", "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: msgListFailed})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, records)
}

func (s *Server) handleListHTML(w http.ResponseWriter, r *http.Request) {
	records, err := s.lister.ListAll(r.Context())
	if err != nil {
		s.logger.Error("failed to list accidents", "error", err)
		http.Error(w, msgListFailed, http.StatusInternalServerError)
		return
	}

	// Render fully before writing so a template error still yields a 500.
	var buf bytes.Buffer
	if err := s.page.Execute(&buf, records); err != nil {
		s.logger.Error("failed to render accidents page", "error", err)
		http.Error(w, msgListFailed, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
