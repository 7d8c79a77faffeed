package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportFormat selects the serialization of ExportLogs.
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"
)

// ParseExportFormat accepts json, ndjson and csv (case-insensitive).
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatNDJSON, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ContentType is the HTTP media type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

var csvHeader = []string{
	"id", "timestamp", "action_type", "severity", "action", "resource", "resource_id",
	"user_id", "user_email", "user_role", "ip_address", "http_method", "endpoint",
	"status_code", "duration", "success", "error_message", "compliance",
	"sensitive_data", "requires_review",
}

func csvRow(r *Record) []string {
	optInt := func(p *int) string {
		if p == nil {
			return ""
		}
		return strconv.Itoa(*p)
	}
	dur := ""
	if r.Duration != nil {
		dur = strconv.FormatInt(*r.Duration, 10)
	}
	return []string{
		r.ID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		string(r.ActionType),
		string(r.Severity),
		r.Action,
		r.Resource,
		deref(r.ResourceID),
		deref(r.UserID),
		deref(r.UserEmail),
		deref(r.UserRole),
		deref(r.IPAddress),
		deref(r.HTTPMethod),
		deref(r.Endpoint),
		optInt(r.StatusCode),
		dur,
		strconv.FormatBool(r.Success),
		deref(r.ErrorMessage),
		strings.Join(r.Compliance, ";"),
		strconv.FormatBool(r.SensitiveData),
		strconv.FormatBool(r.RequiresReview),
	}
}

// recordWriter serializes records one at a time in a given format.
type recordWriter interface {
	write(r *Record) error
	close() error
}

func newRecordWriter(w io.Writer, format ExportFormat) (recordWriter, error) {
	switch format {
	case FormatJSON:
		return &jsonArrayWriter{w: w}, nil
	case FormatNDJSON:
		return &ndjsonWriter{enc: json.NewEncoder(w)}, nil
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return nil, err
		}
		return &csvWriter{w: cw}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

type jsonArrayWriter struct {
	w     io.Writer
	count int
}

func (j *jsonArrayWriter) write(r *Record) error {
	b, err := json.MarshalIndent(r, "  ", "  ")
	if err != nil {
		return err
	}
	sep := ",\n  "
	if j.count == 0 {
		sep = "[\n  "
	}
	j.count++
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	_, err = j.w.Write(b)
	return err
}

func (j *jsonArrayWriter) close() error {
	tail := "\n]\n"
	if j.count == 0 {
		tail = "[]\n"
	}
	_, err := io.WriteString(j.w, tail)
	return err
}

type ndjsonWriter struct{ enc *json.Encoder }

func (n *ndjsonWriter) write(r *Record) error { return n.enc.Encode(r) }
func (n *ndjsonWriter) close() error          { return nil }

type csvWriter struct{ w *csv.Writer }

func (c *csvWriter) write(r *Record) error { return c.w.Write(csvRow(r)) }
func (c *csvWriter) close() error {
	c.w.Flush()
	return c.w.Error()
}

// StreamExport writes every record matching f to w, fetching from the store
// one page at a time. f's pagination fields are ignored.
func (s *BatchService) StreamExport(ctx context.Context, w io.Writer, f Filter, format ExportFormat) (int64, error) {
	return streamExport(ctx, s.store, w, f, format)
}

func streamExport(ctx context.Context, store Store, w io.Writer, f Filter, format ExportFormat) (int64, error) {
	bw := bufio.NewWriter(w)
	rw, err := newRecordWriter(bw, format)
	if err != nil {
		return 0, err
	}

	f.Page, f.Limit = 1, MaxPageLimit
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		page, total, err := store.FindMany(ctx, f)
		if err != nil {
			return written, fmt.Errorf("failed to load audit logs for export: %w", err)
		}
		for i := range page {
			if err := rw.write(&page[i]); err != nil {
				return written, fmt.Errorf("failed to write export: %w", err)
			}
			written++
		}
		if len(page) < f.Limit || int64(f.Page*f.Limit) >= total {
			break
		}
		f.Page++
	}
	if err := rw.close(); err != nil {
		return written, fmt.Errorf("failed to write export: %w", err)
	}
	return written, bw.Flush()
}

// ExportLogs renders every record matching f as a string.
func (s *BatchService) ExportLogs(ctx context.Context, f Filter, format ExportFormat) (string, error) {
	var buf bytes.Buffer
	if _, err := s.StreamExport(ctx, &buf, f, format); err != nil {
		return "", err
	}
	return buf.String(), nil
}
