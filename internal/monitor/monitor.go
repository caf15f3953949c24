// Package monitor coordinates the ingestion pipeline: shallow
// validation, durable write, latest-sample cache update, and viewer
// broadcast, strictly in that order. It also answers the bounded
// history queries used by the trend charts.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sysmon/internal/metrics"
	"sysmon/internal/models"
	"sysmon/internal/store"
	"sysmon/internal/utils"
)

// ErrInvalidPayload marks a sample that failed the shape check. It is
// never persisted, cached, or broadcast.
var ErrInvalidPayload = errors.New("invalid payload")

// Broadcaster fans an encoded event out to every connected viewer.
// Satisfied by middleware.Hub.
type Broadcaster interface {
	Broadcast(message []byte)
}

// Monitor owns the latest-sample cache and drives each accepted sample
// through store, cache, and hub. The cache holds exactly one sample
// per device: the most recently accepted one, which is not necessarily
// the one with the greatest timestamp.
type Monitor struct {
	store  *store.Store
	hub    Broadcaster
	logger *utils.Logger

	// ingestMu serializes the upsert→cache→broadcast pipeline so a
	// viewer can never observe a cache or broadcast update for a
	// sample that failed to persist, and so two concurrent ingestions
	// cannot interleave their steps.
	ingestMu sync.Mutex

	mu     sync.RWMutex
	latest map[string]models.Sample

	now func() time.Time
}

// New creates a Monitor on top of the given store and hub. The hub may
// be nil in tools that only query.
func New(st *store.Store, hub Broadcaster, logger *utils.Logger) *Monitor {
	return &Monitor{
		store:  st,
		hub:    hub,
		logger: logger,
		latest: make(map[string]models.Sample),
		now:    time.Now,
	}
}

// IngestJSON decodes a raw payload and runs it through Ingest. A body
// that is not valid JSON is reported as an invalid payload.
func (m *Monitor) IngestJSON(ctx context.Context, payload []byte) (string, error) {
	var sample models.Sample
	if err := json.Unmarshal(payload, &sample); err != nil {
		metrics.SamplesRejected.Inc()
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m.Ingest(ctx, sample)
}

// Ingest validates and persists one sample, then updates the cache and
// broadcasts the update. Steps run strictly in that order; a store
// failure leaves the cache and the viewers untouched, and is returned
// to the caller without retry.
func (m *Monitor) Ingest(ctx context.Context, sample models.Sample) (string, error) {
	if !sample.Valid() {
		metrics.SamplesRejected.Inc()
		return "", ErrInvalidPayload
	}

	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()

	if err := m.store.Upsert(ctx, sample); err != nil {
		metrics.StoreErrors.Inc()
		return "", err
	}

	m.mu.Lock()
	m.latest[sample.DeviceID] = sample
	m.mu.Unlock()

	if m.hub != nil {
		event, err := json.Marshal(models.NewUpdateEvent(sample))
		if err != nil {
			m.logf("encoding update event for %s: %v", sample.DeviceID, err)
		} else {
			m.hub.Broadcast(event)
		}
	}

	return sample.DeviceID, nil
}

// HandleInbound processes one raw message from the push channel.
// Malformed or invalid messages are logged and dropped; nobody is
// notified.
func (m *Monitor) HandleInbound(payload []byte) {
	id, err := m.IngestJSON(context.Background(), payload)
	if err != nil {
		m.logf("dropping inbound sample: %v", err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("websocket").Inc()
	m.logf("ingested sample from %s via websocket", id)
}

// Latest returns the most recently accepted sample for the device.
func (m *Monitor) Latest(deviceID string) (models.Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.latest[deviceID]
	return sample, ok
}

// Snapshot returns a point-in-time copy of the latest-sample cache.
func (m *Monitor) Snapshot() map[string]models.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]models.Sample, len(m.latest))
	for id, sample := range m.latest {
		snapshot[id] = sample
	}
	return snapshot
}

// SnapshotEvents returns one encoded device_update event per cached
// device, in no particular order. The hub replays these to every new
// viewer before it receives live broadcasts.
func (m *Monitor) SnapshotEvents() [][]byte {
	snapshot := m.Snapshot()
	events := make([][]byte, 0, len(snapshot))
	for _, sample := range snapshot {
		event, err := json.Marshal(models.NewUpdateEvent(sample))
		if err != nil {
			m.logf("encoding snapshot event for %s: %v", sample.DeviceID, err)
			continue
		}
		events = append(events, event)
	}
	return events
}

// Devices lists every device identifier ever stored.
func (m *Monitor) Devices(ctx context.Context) ([]string, error) {
	return m.store.DistinctDevices(ctx)
}

// Recent returns up to limit stored samples for the device, newest
// first.
func (m *Monitor) Recent(ctx context.Context, deviceID string, limit int) ([]models.Sample, error) {
	return m.store.Recent(ctx, deviceID, limit)
}

func (m *Monitor) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Write(fmt.Sprintf(format, args...))
	}
}
