package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

const (
	defaultAuditLimit  = 100
	maxAuditLimit      = 1000
	defaultExportRange = 24 * time.Hour
)

// AuditReader is the read side of the in-memory audit sink
type AuditReader interface {
	Query(ctx context.Context, filter models.AuditFilter) []models.AuditEvent
	RecentAlerts(ctx context.Context, hours int) []models.AuditEvent
	Export(ctx context.Context, from, to time.Time, format services.ExportFormat) ([]byte, error)
	Stats() services.AuditStats
}

// AuditArchiveReader queries archived events. Optional.
type AuditArchiveReader interface {
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	sink    AuditReader
	archive AuditArchiveReader
	clock   clock.Clock
}

// NewAuditHandler creates a new AuditHandler. archive may be nil.
func NewAuditHandler(sink AuditReader, archive AuditArchiveReader, clk clock.Clock) *AuditHandler {
	return &AuditHandler{
		sink:    sink,
		archive: archive,
		clock:   clock.OrReal(clk),
	}
}

// AuditQueryResponse wraps a page of audit events
type AuditQueryResponse struct {
	Events []models.AuditEvent `json:"events"`
	Count  int                 `json:"count"`
	Source string              `json:"source"`
}

// QueryEvents GET /admin/audit?category&user_id&since&until&min_severity&limit&source
func (h *AuditHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	switch r.URL.Query().Get("source") {
	case "", "memory":
		events := h.sink.Query(r.Context(), filter)
		pkghttp.WriteJSON(w, http.StatusOK, AuditQueryResponse{Events: events, Count: len(events), Source: "memory"})
	case "archive":
		if h.archive == nil {
			pkghttp.WriteNotFound(w, "audit archive is not configured")
			return
		}
		events, err := h.archive.List(r.Context(), filter)
		if err != nil {
			pkghttp.WriteInternalError(w, "failed to query audit archive")
			return
		}
		pkghttp.WriteJSON(w, http.StatusOK, AuditQueryResponse{Events: events, Count: len(events), Source: "archive"})
	default:
		pkghttp.WriteBadRequest(w, "source must be one of: memory, archive")
	}
}

// RecentAlerts GET /admin/audit/alerts?hours=24
func (h *AuditHandler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 24*30 {
			pkghttp.WriteBadRequest(w, "hours must be between 1 and 720")
			return
		}
		hours = n
	}

	events := h.sink.RecentAlerts(r.Context(), hours)
	pkghttp.WriteJSON(w, http.StatusOK, AuditQueryResponse{Events: events, Count: len(events), Source: "memory"})
}

// Export GET /admin/audit/export?from&to&format=csv|json
// Defaults to the last 24 hours as JSON.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format, err := services.ParseExportFormat(q.Get("format"))
	if err != nil {
		pkghttp.WriteBadRequest(w, "format must be one of: csv, json")
		return
	}

	to := h.clock.Now()
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			pkghttp.WriteBadRequest(w, "invalid to (use RFC3339)")
			return
		}
	}
	from := to.Add(-defaultExportRange)
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			pkghttp.WriteBadRequest(w, "invalid from (use RFC3339)")
			return
		}
	}

	data, err := h.sink.Export(r.Context(), from, to, format)
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, "from must be before to")
			return
		}
		pkghttp.WriteInternalError(w, "failed to export audit events")
		return
	}

	filename := fmt.Sprintf("audit-%s-%s.%s", from.UTC().Format("20060102T150405Z"), to.UTC().Format("20060102T150405Z"), format)

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Stats GET /admin/audit/stats
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteJSON(w, http.StatusOK, h.sink.Stats())
}

// parseAuditFilter reads filter query parameters, rejecting unknown values
func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		UserID: q.Get("user_id"),
		Limit:  defaultAuditLimit,
	}

	if raw := q.Get("category"); raw != "" {
		category := models.AuditCategory(raw)
		if !models.AllAuditCategories[category] {
			return filter, fmt.Errorf("unknown category %q", raw)
		}
		filter.Category = category
	}

	if raw := q.Get("min_severity"); raw != "" {
		severity, err := models.ParseSeverity(raw)
		if err != nil {
			return filter, fmt.Errorf("unknown severity %q", raw)
		}
		filter.MinSeverity = severity
	}

	var err error
	if raw := q.Get("since"); raw != "" {
		if filter.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, errors.New("invalid since (use RFC3339)")
		}
	}
	if raw := q.Get("until"); raw != "" {
		if filter.Until, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, errors.New("invalid until (use RFC3339)")
		}
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", maxAuditLimit)
		}
		filter.Limit = n
	}

	return filter, nil
}
