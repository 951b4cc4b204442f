package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryEvents_ParsesFilter(t *testing.T) {
	var got models.AuditFilter
	sink := &handlers.MockAuditReader{
		QueryFunc: func(ctx context.Context, filter models.AuditFilter) []models.AuditEvent {
			got = filter
			return []models.AuditEvent{{ID: "e1", Category: models.AuditCategoryRateLimit}}
		},
	}
	handler := handlers.NewAuditHandler(sink, nil, clock.NewMock(handlerNow))

	req := httptest.NewRequest("GET",
		"/admin/audit?category=rate_limit&user_id=alice&min_severity=high&since=2026-03-01T00:00:00Z&limit=5", nil)
	w := httptest.NewRecorder()
	handler.QueryEvents(w, req)

	var resp handlers.AuditQueryResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "memory", resp.Source)

	assert.Equal(t, models.AuditCategoryRateLimit, got.Category)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, models.SeverityHigh, got.MinSeverity)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got.Since)
	assert.Equal(t, 5, got.Limit)
}

func TestQueryEvents_DefaultLimit(t *testing.T) {
	var got models.AuditFilter
	sink := &handlers.MockAuditReader{
		QueryFunc: func(ctx context.Context, filter models.AuditFilter) []models.AuditEvent {
			got = filter
			return nil
		},
	}
	handler := handlers.NewAuditHandler(sink, nil, nil)

	w := httptest.NewRecorder()
	handler.QueryEvents(w, httptest.NewRequest("GET", "/admin/audit", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, got.Limit)
}

func TestQueryEvents_RejectsBadParams(t *testing.T) {
	handler := handlers.NewAuditHandler(&handlers.MockAuditReader{}, nil, nil)

	for _, query := range []string{
		"category=unknown",
		"min_severity=extreme",
		"since=yesterday",
		"until=2026-13-01",
		"limit=0",
		"limit=5000",
		"source=disk",
	} {
		t.Run(query, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.QueryEvents(w, httptest.NewRequest("GET", "/admin/audit?"+query, nil))
			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeBadRequest)
		})
	}
}

func TestQueryEvents_Archive(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		handler := handlers.NewAuditHandler(&handlers.MockAuditReader{}, nil, nil)
		w := httptest.NewRecorder()
		handler.QueryEvents(w, httptest.NewRequest("GET", "/admin/audit?source=archive", nil))
		handlers.AssertErrorResponse(t, w, http.StatusNotFound, pkghttp.CodeNotFound)
	})

	t.Run("configured", func(t *testing.T) {
		archive := &handlers.MockAuditArchiveReader{
			ListFunc: func(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
				return []models.AuditEvent{{ID: "old"}}, nil
			},
		}
		handler := handlers.NewAuditHandler(&handlers.MockAuditReader{}, archive, nil)
		w := httptest.NewRecorder()
		handler.QueryEvents(w, httptest.NewRequest("GET", "/admin/audit?source=archive", nil))

		var resp handlers.AuditQueryResponse
		handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
		assert.Equal(t, "archive", resp.Source)
		require.Len(t, resp.Events, 1)
		assert.Equal(t, "old", resp.Events[0].ID)
	})

	t.Run("failure", func(t *testing.T) {
		archive := &handlers.MockAuditArchiveReader{
			ListFunc: func(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
				return nil, errors.New("connection refused")
			},
		}
		handler := handlers.NewAuditHandler(&handlers.MockAuditReader{}, archive, nil)
		w := httptest.NewRecorder()
		handler.QueryEvents(w, httptest.NewRequest("GET", "/admin/audit?source=archive", nil))
		handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, pkghttp.CodeInternalError)
	})
}

func TestRecentAlerts(t *testing.T) {
	var gotHours int
	sink := &handlers.MockAuditReader{
		RecentAlertsFunc: func(ctx context.Context, hours int) []models.AuditEvent {
			gotHours = hours
			return []models.AuditEvent{{ID: "a1", Severity: models.SeverityHigh}}
		},
	}
	handler := handlers.NewAuditHandler(sink, nil, nil)

	w := httptest.NewRecorder()
	handler.RecentAlerts(w, httptest.NewRequest("GET", "/admin/audit/alerts", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 24, gotHours)

	w = httptest.NewRecorder()
	handler.RecentAlerts(w, httptest.NewRequest("GET", "/admin/audit/alerts?hours=6", nil))
	assert.Equal(t, 6, gotHours)

	w = httptest.NewRecorder()
	handler.RecentAlerts(w, httptest.NewRequest("GET", "/admin/audit/alerts?hours=-1", nil))
	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeBadRequest)
}

func TestExport_DefaultsToLastDayAsJSON(t *testing.T) {
	var gotFrom, gotTo time.Time
	var gotFormat services.ExportFormat
	sink := &handlers.MockAuditReader{
		ExportFunc: func(ctx context.Context, from, to time.Time, format services.ExportFormat) ([]byte, error) {
			gotFrom, gotTo, gotFormat = from, to, format
			return []byte(`[]`), nil
		},
	}
	handler := handlers.NewAuditHandler(sink, nil, clock.NewMock(handlerNow))

	w := httptest.NewRecorder()
	handler.Export(w, httptest.NewRequest("GET", "/admin/audit/export", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment;")
	assert.Equal(t, handlerNow, gotTo)
	assert.Equal(t, handlerNow.Add(-24*time.Hour), gotFrom)
	assert.Equal(t, services.ExportFormatJSON, gotFormat)
}

func TestExport_CSVRange(t *testing.T) {
	sink := &handlers.MockAuditReader{
		ExportFunc: func(ctx context.Context, from, to time.Time, format services.ExportFormat) ([]byte, error) {
			assert.Equal(t, services.ExportFormatCSV, format)
			assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), from)
			assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), to)
			return []byte("id,timestamp\n"), nil
		},
	}
	handler := handlers.NewAuditHandler(sink, nil, nil)

	w := httptest.NewRecorder()
	handler.Export(w, httptest.NewRequest("GET", "/admin/audit/export?format=csv&from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")
	assert.Equal(t, "id,timestamp\n", w.Body.String())
}

func TestExport_BadRequests(t *testing.T) {
	sink := &handlers.MockAuditReader{
		ExportFunc: func(ctx context.Context, from, to time.Time, format services.ExportFormat) ([]byte, error) {
			return nil, models.ErrBadRequest
		},
	}
	handler := handlers.NewAuditHandler(sink, nil, nil)

	for _, query := range []string{
		"format=xml",
		"from=last-week",
		"to=now",
		"from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z",
	} {
		t.Run(query, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.Export(w, httptest.NewRequest("GET", "/admin/audit/export?"+query, nil))
			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeBadRequest)
		})
	}
}

func TestAuditStats(t *testing.T) {
	sink := &handlers.MockAuditReader{
		StatsFunc: func() services.AuditStats {
			return services.AuditStats{Capacity: 10000, Stored: 12, TotalRecorded: 12}
		},
	}
	handler := handlers.NewAuditHandler(sink, nil, nil)

	w := httptest.NewRecorder()
	handler.Stats(w, httptest.NewRequest("GET", "/admin/audit/stats", nil))

	var resp services.AuditStats
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, 10000, resp.Capacity)
	assert.Equal(t, 12, resp.Stored)
}
