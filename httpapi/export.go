package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/export"
	"github.com/c360/boxstream/measurement"
)

// parseQuery maps the shared export query parameters. Validation proper
// happens inside the exporter, before any cursor is opened; this only parses.
func parseQuery(r *http.Request) (export.Query, error) {
	var q export.Query

	params := r.URL.Query()

	if raw := params.Get("fromDate"); raw != "" {
		ts, ok := measurement.ParseTime(raw)
		if !ok {
			return q, errors.WrapInvalid(
				fmt.Errorf("%w: fromDate %q", errors.ErrInvalidTimeRange, raw),
				"Server", "parseQuery", "parse fromDate")
		}
		q.From = ts
	}
	if raw := params.Get("toDate"); raw != "" {
		ts, ok := measurement.ParseTime(raw)
		if !ok {
			return q, errors.WrapInvalid(
				fmt.Errorf("%w: toDate %q", errors.ErrInvalidTimeRange, raw),
				"Server", "parseQuery", "parse toDate")
		}
		q.To = ts
	}

	format, err := export.ParseFormat(params.Get("format"))
	if err != nil {
		return q, err
	}
	q.Format = format

	if raw := params.Get("columns"); raw != "" {
		for _, col := range strings.Split(raw, ",") {
			q.Columns = append(q.Columns, strings.TrimSpace(col))
		}
	}

	switch sep := params.Get("separator"); sep {
	case "", "semicolon":
		// exporter default
	case "comma":
		q.Separator = ','
	default:
		if len([]rune(sep)) == 1 {
			q.Separator = []rune(sep)[0]
		} else {
			return q, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrInvalidSeparator, sep),
				"Server", "parseQuery", "parse separator")
		}
	}

	q.Download = params.Get("download") == "true"
	return q, nil
}

// serveStream runs a prepared export stream onto the response.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, route, name string, stream *export.Stream) {
	defer stream.Close()

	w.Header().Set("Content-Type", stream.Format().ContentType())
	if stream.Download() {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_%s.%s",
				name, time.Now().UTC().Format("2006-01-02"), stream.Format())))
	}

	s.countRequest(route, http.StatusOK)
	if err := stream.WriteTo(r.Context(), w); err != nil {
		// Headers are gone; all we can do is cut the stream and log.
		s.logger.Warn("export stream terminated", "route", route, "error", err)
	}
}

// handleSensorExport streams one sensor's measurements in the requested window.
func (s *Server) handleSensorExport(w http.ResponseWriter, r *http.Request) {
	const route = "export_sensor"
	sensorID := r.PathValue("sensorID")

	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	stream, err := s.exporter.SensorExport(r.Context(), sensorID, q)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	s.serveStream(w, r, route, sensorID, stream)
}

// handlePhenomenonExport streams measurements of one phenomenon across all
// matching boxes.
func (s *Server) handlePhenomenonExport(w http.ResponseWriter, r *http.Request) {
	const route = "export_phenomenon"
	phenomenon := r.PathValue("phenomenon")

	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	stream, err := s.exporter.PhenomenonExport(r.Context(), phenomenon, q)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	s.serveStream(w, r, route, phenomenon, stream)
}
