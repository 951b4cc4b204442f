package services

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// ExportFormat selects the audit export encoding
type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatJSON ExportFormat = "json"
)

// ParseExportFormat validates a user-supplied export format
func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	case ExportFormatJSON, "":
		return ExportFormatJSON, nil
	}
	return "", fmt.Errorf("unsupported export format %q: %w", raw, models.ErrBadRequest)
}

// ContentType returns the MIME type for the format
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/json"
}

func exportEvents(events []models.AuditEvent, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(events)
	case ExportFormatJSON:
		return exportJSON(events)
	}
	return nil, fmt.Errorf("unsupported export format %q: %w", format, models.ErrBadRequest)
}

// exportJSON exports audit events as a JSON array
func exportJSON(events []models.AuditEvent) ([]byte, error) {
	return json.MarshalIndent(events, "", "  ")
}

// exportCSV exports audit events as CSV
func exportCSV(events []models.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"Timestamp",
		"Category",
		"Action",
		"UserID",
		"Address",
		"Success",
		"Severity",
		"Details",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			event.ID,
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.Category),
			event.Action,
			event.UserID,
			event.Address,
			strconv.FormatBool(event.Success),
			event.Severity.String(),
			formatDetails(event.Details),
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// formatDetails renders details as sorted key=value pairs
func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+details[k])
	}
	return strings.Join(pairs, ";")
}
