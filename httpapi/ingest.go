package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/c360/boxstream/decoder"
	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/measurement"
)

// singleMeasurement is the wire form of the single-measurement route. The
// value stays untyped until ScalarValue pins its textual rendering.
type singleMeasurement struct {
	Sensor    string `json:"sensor"`
	Value     any    `json:"value"`
	CreatedAt string `json:"createdAt"`
}

// readBody drains the request body under the configured size cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("request body exceeds %d bytes", s.cfg.MaxRequestSize),
				"Server", "readBody", "limit request size")
		}
		return nil, errors.WrapInvalid(err, "Server", "readBody", "read request body")
	}
	return body, nil
}

// allowIngest applies the per-remote rate limit. Returns false after writing
// the 429.
func (s *Server) allowIngest(w http.ResponseWriter, r *http.Request, route string) bool {
	if s.limiter == nil || s.limiter.Allow(r.RemoteAddr) {
		return true
	}
	if s.metrics != nil {
		s.metrics.rateLimited.Inc()
	}
	s.writeErrorStatus(w, route, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// handleSingle ingests one measurement posted as a bare JSON object.
func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	const route = "single"
	if !s.allowIngest(w, r, route) {
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var in singleMeasurement
	if err := dec.Decode(&in); err != nil {
		s.writeError(w, route, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecode, err),
			"Server", "handleSingle", "decode measurement"))
		return
	}

	value, err := measurement.ScalarValue(in.Value)
	if err != nil {
		s.writeError(w, route, errors.WrapInvalid(err, "Server", "handleSingle", "check value"))
		return
	}

	m := measurement.Measurement{SensorID: in.Sensor, Value: value}
	if ts, ok := measurement.ParseTime(in.CreatedAt); ok {
		m.CreatedAt = ts
	}

	s.ingest(w, r, route, []measurement.Measurement{m})
}

// handleBulk ingests a batch; the decoder is selected by Content-Type.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	const route = "bulk"
	if !s.allowIngest(w, r, route) {
		return
	}

	format, err := decoder.ParseFormat(r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	ms, err := decoder.Decode(format, body, decoder.Options{})
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	s.ingest(w, r, route, ms)
}

// ingest runs the sink and renders the per-record outcome. A batch where
// every record was rejected is reported as unprocessable rather than created.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, route string, ms []measurement.Measurement) {
	boxID := r.PathValue("boxID")

	result, err := s.sink.Ingest(r.Context(), boxID, ms)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	code := http.StatusCreated
	if result.Accepted == 0 && len(result.Rejected) > 0 {
		code = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, route, code, result)
}
