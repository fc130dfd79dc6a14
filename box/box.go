// Package box holds the device-side reference data the engine consumes:
// boxes, their sensors, per-box broker configuration, and the directory
// interface the external registry layer implements.
package box

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360/boxstream/errors"
)

// Sensor is a named phenomenon-measuring channel belonging to exactly one box.
type Sensor struct {
	ID         string `json:"id" yaml:"id"`
	Phenomenon string `json:"phenomenon" yaml:"phenomenon"`
	Unit       string `json:"unit" yaml:"unit"`
	Type       string `json:"sensorType" yaml:"sensorType"`
}

// Location is a box's fixed position.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Box is a registered sensing device owning a set of sensors and at most one
// broker configuration.
type Box struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Location Location      `json:"location" yaml:"location"`
	Sensors  []Sensor      `json:"sensors" yaml:"sensors"`
	Broker   *BrokerConfig `json:"broker,omitempty" yaml:"broker,omitempty"`
}

// SensorSet returns the set of sensor identifiers belonging to the box.
func (b *Box) SensorSet() map[string]struct{} {
	set := make(map[string]struct{}, len(b.Sensors))
	for _, s := range b.Sensors {
		set[s.ID] = struct{}{}
	}
	return set
}

// DecodeOptions carries format-specific decoding parameters for a box's
// broker payloads.
type DecodeOptions struct {
	// JSONPath is a dot-separated path extracting the measurement document
	// from a broker-proprietary envelope before decoding.
	JSONPath string `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`
	// Separator is the CSV column separator. Defaults to comma.
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`
}

// ConnectionOptions carries broker-client-specific connection parameters.
type ConnectionOptions struct {
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
	ClientName string `json:"clientName,omitempty" yaml:"clientName,omitempty"`
}

// BrokerConfig attaches a publish/subscribe source to a box. At most one per
// box; clearing it tears down the box's connection actor.
type BrokerConfig struct {
	URL               string            `json:"url" yaml:"url"`
	Topic             string            `json:"topic" yaml:"topic"`
	MessageFormat     string            `json:"messageFormat" yaml:"messageFormat"`
	DecodeOptions     DecodeOptions     `json:"decodeOptions,omitempty" yaml:"decodeOptions,omitempty"`
	ConnectionOptions ConnectionOptions `json:"connectionOptions,omitempty" yaml:"connectionOptions,omitempty"`
}

// Validate checks the config is complete enough to open a subscription.
func (c *BrokerConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.WrapInvalid(fmt.Errorf("missing url"), "BrokerConfig", "Validate", "check url")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.WrapInvalid(fmt.Errorf("missing topic"), "BrokerConfig", "Validate", "check topic")
	}
	switch c.MessageFormat {
	case "json", "csv":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("messageFormat %q: %w", c.MessageFormat, errors.ErrUnknownFormat),
			"BrokerConfig", "Validate", "check message format")
	}
	return nil
}

// Equal reports whether two configs describe the same subscription. The
// connection manager uses this to skip a disruptive replace on no-op updates.
func (c *BrokerConfig) Equal(other *BrokerConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}

// SensorMeta is the per-sensor metadata row the export pipeline joins onto
// measurements: everything the allow-listed columns can reference.
type SensorMeta struct {
	SensorID   string
	BoxID      string
	BoxName    string
	Lat        float64
	Lng        float64
	Unit       string
	Type       string
	Phenomenon string
}

// Directory is the read-only device registry interface the engine consumes.
// It is owned by the external account/registry layer; the ingestion sink and
// export pipeline treat its data as reference only.
type Directory interface {
	// Get returns the box or errors.ErrBoxNotFound.
	Get(ctx context.Context, boxID string) (*Box, error)

	// SensorSet returns the sensor identifiers belonging to a box.
	SensorSet(ctx context.Context, boxID string) (map[string]struct{}, error)

	// SensorMeta resolves per-sensor metadata for the given sensor IDs.
	// Unknown IDs are simply absent from the result.
	SensorMeta(ctx context.Context, sensorIDs []string) (map[string]SensorMeta, error)

	// BoxesByPhenomenon returns all boxes owning at least one sensor that
	// measures the given phenomenon.
	BoxesByPhenomenon(ctx context.Context, phenomenon string) ([]*Box, error)

	// WithBroker returns all boxes that currently have a broker configuration.
	// The connection manager scans this at startup to rebuild its actors.
	WithBroker(ctx context.Context) ([]*Box, error)
}
