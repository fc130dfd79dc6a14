package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/store"
)

// row is one transformed record: the requester-selected column subset,
// rendered from the stored record plus the prefetched sensor metadata.
type row struct {
	columns []string
	record  store.Record
	meta    box.SensorMeta
}

// field renders one column value. Timestamps take RFC3339 textual form;
// coordinates stay numeric for the JSON encoding.
func (r row) field(col string) any {
	switch col {
	case "createdAt":
		return r.record.CreatedAt.UTC().Format(time.RFC3339)
	case "value":
		return r.record.Value
	case "lat":
		return r.meta.Lat
	case "lng":
		return r.meta.Lng
	case "unit":
		return r.meta.Unit
	case "boxId":
		return r.record.BoxID
	case "sensorId":
		return r.record.SensorID
	case "phenomenon":
		return r.meta.Phenomenon
	case "sensorType":
		return r.meta.Type
	case "boxName":
		return r.meta.BoxName
	default:
		return ""
	}
}

// encoder streams rows without buffering the result set.
type encoder interface {
	begin() error
	write(r row) error
	end() error
}

func newEncoder(format Format, columns []string, separator rune, w io.Writer) encoder {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		cw.Comma = separator
		return &csvEncoder{w: cw, columns: columns}
	default:
		return &jsonEncoder{w: w, columns: columns}
	}
}

// csvEncoder writes a header row then one delimited row per record.
type csvEncoder struct {
	w       *csv.Writer
	columns []string
}

func (e *csvEncoder) begin() error {
	if err := e.w.Write(e.columns); err != nil {
		return errors.WrapTransient(err, "csvEncoder", "begin", "write header")
	}
	return nil
}

func (e *csvEncoder) write(r row) error {
	fields := make([]string, len(e.columns))
	for i, col := range e.columns {
		switch v := r.field(col).(type) {
		case string:
			fields[i] = v
		case float64:
			fields[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	if err := e.w.Write(fields); err != nil {
		return errors.WrapTransient(err, "csvEncoder", "write", "write row")
	}
	// Flush per row so bytes reach the consumer as they are produced and a
	// mid-stream write failure surfaces promptly.
	e.w.Flush()
	return e.w.Error()
}

func (e *csvEncoder) end() error {
	e.w.Flush()
	return e.w.Error()
}

// jsonEncoder streams an array-bracketed sequence of records: opens "[",
// emits comma-separated objects, closes "]". The whole array is never held
// in memory.
type jsonEncoder struct {
	w       io.Writer
	columns []string
	wrote   bool
}

func (e *jsonEncoder) begin() error {
	_, err := e.w.Write([]byte("["))
	return errors.WrapTransient(err, "jsonEncoder", "begin", "open array")
}

func (e *jsonEncoder) write(r row) error {
	obj := make(map[string]any, len(e.columns))
	for _, col := range e.columns {
		obj[col] = r.field(col)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return errors.WrapInvalid(err, "jsonEncoder", "write", "marshal record")
	}

	if e.wrote {
		if _, err := e.w.Write([]byte(",")); err != nil {
			return errors.WrapTransient(err, "jsonEncoder", "write", "write separator")
		}
	}
	if _, err := e.w.Write(data); err != nil {
		return errors.WrapTransient(err, "jsonEncoder", "write", "write record")
	}
	e.wrote = true
	return nil
}

func (e *jsonEncoder) end() error {
	_, err := e.w.Write([]byte("]"))
	return errors.WrapTransient(err, "jsonEncoder", "end", "close array")
}
