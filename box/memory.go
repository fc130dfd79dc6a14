package box

import (
	"context"
	"sync"

	"github.com/c360/boxstream/errors"
)

// MemoryDirectory is a thread-safe in-memory Directory used by tests and the
// dev-mode store driver.
type MemoryDirectory struct {
	mu    sync.RWMutex
	boxes map[string]*Box
}

// NewMemoryDirectory returns a directory pre-populated with the given boxes.
func NewMemoryDirectory(boxes ...*Box) *MemoryDirectory {
	d := &MemoryDirectory{boxes: make(map[string]*Box, len(boxes))}
	for _, b := range boxes {
		d.boxes[b.ID] = b
	}
	return d
}

var _ Directory = (*MemoryDirectory)(nil)

// Put adds or replaces a box.
func (d *MemoryDirectory) Put(b *Box) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxes[b.ID] = b
}

// Get returns the box or errors.ErrBoxNotFound.
func (d *MemoryDirectory) Get(_ context.Context, boxID string) (*Box, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.boxes[boxID]
	if !ok {
		return nil, errors.ErrBoxNotFound
	}
	cp := *b
	return &cp, nil
}

// SensorSet returns the sensor identifiers belonging to a box.
func (d *MemoryDirectory) SensorSet(_ context.Context, boxID string) (map[string]struct{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.boxes[boxID]
	if !ok {
		return nil, errors.ErrBoxNotFound
	}
	return b.SensorSet(), nil
}

// SensorMeta resolves metadata for the given sensor IDs across all boxes.
func (d *MemoryDirectory) SensorMeta(_ context.Context, sensorIDs []string) (map[string]SensorMeta, error) {
	wanted := make(map[string]struct{}, len(sensorIDs))
	for _, id := range sensorIDs {
		wanted[id] = struct{}{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]SensorMeta)
	for _, b := range d.boxes {
		for _, s := range b.Sensors {
			if _, ok := wanted[s.ID]; !ok {
				continue
			}
			out[s.ID] = SensorMeta{
				SensorID:   s.ID,
				BoxID:      b.ID,
				BoxName:    b.Name,
				Lat:        b.Location.Lat,
				Lng:        b.Location.Lng,
				Unit:       s.Unit,
				Type:       s.Type,
				Phenomenon: s.Phenomenon,
			}
		}
	}
	return out, nil
}

// BoxesByPhenomenon returns boxes owning at least one matching sensor.
func (d *MemoryDirectory) BoxesByPhenomenon(_ context.Context, phenomenon string) ([]*Box, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Box
	for _, b := range d.boxes {
		for _, s := range b.Sensors {
			if s.Phenomenon == phenomenon {
				cp := *b
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// WithBroker returns all boxes carrying a broker configuration.
func (d *MemoryDirectory) WithBroker(_ context.Context) ([]*Box, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Box
	for _, b := range d.boxes {
		if b.Broker != nil {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SetBroker stores or clears a box's broker configuration.
func (d *MemoryDirectory) SetBroker(_ context.Context, boxID string, cfg *BrokerConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.boxes[boxID]
	if !ok {
		return errors.ErrBoxNotFound
	}
	b.Broker = cfg
	return nil
}
