// Package models contains the telemetry data types shared by the
// server, the store, and the agent.
package models

import (
	"bytes"
	"encoding/json"
)

// Sample is one telemetry reading from a device at one instant.
// (device_id, timestamp) is the natural key; a later sample with the
// same key replaces the stored row.
//
// Memory, Network, and Disk are kept as raw JSON. The store persists
// them as opaque text blobs and the transport layer echoes them back
// structured; only the history aggregator ever decodes them. A payload
// with a well-shaped envelope but garbage nested fields is accepted
// here and fails later, at aggregation time.
type Sample struct {
	DeviceID        string          `json:"device_id"`
	Timestamp       int64           `json:"timestamp"`
	CPUUsagePercent *float64        `json:"cpu_usage_percent"`
	Memory          json.RawMessage `json:"memory"`
	Network         json.RawMessage `json:"network"`
	Disk            json.RawMessage `json:"disk"`
}

// MemoryStats mirrors the sar -r fields reported by agents. Values
// arrive as strings or numbers depending on the collector, so
// json.Number accepts both.
type MemoryStats struct {
	KBMemFree      json.Number `json:"kbmemfree"`
	KBMemUsed      json.Number `json:"kbmemused"`
	MemUsedPercent json.Number `json:"memused_percent"`
}

// NetworkInterfaceStats is one per-interface throughput reading.
type NetworkInterfaceStats struct {
	Iface string      `json:"iface"`
	RxKB  json.Number `json:"rx_kb"`
	TxKB  json.Number `json:"tx_kb"`
}

// DiskDeviceStats is one per-device activity reading (iostat await
// and %util).
type DiskDeviceStats struct {
	Device string  `json:"device"`
	Wait   float64 `json:"wait"`
	Util   float64 `json:"util"`
}

// UpdateEvent is the broadcast frame pushed to every connected viewer
// on each accepted ingestion, and once per known device right after a
// viewer connects.
type UpdateEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data Sample `json:"data"`
}

// EventDeviceUpdate is the only event type currently emitted.
const EventDeviceUpdate = "device_update"

// NewUpdateEvent wraps a sample in the broadcast envelope.
func NewUpdateEvent(s Sample) UpdateEvent {
	return UpdateEvent{Type: EventDeviceUpdate, ID: s.DeviceID, Data: s}
}

// Valid reports whether the sample has the minimal required shape:
// device_id and timestamp present, cpu_usage_percent present (zero is
// a valid reading), and memory/network/disk present and non-empty.
// Deliberately shallow: no range checks and no validation of the
// nested structures.
func (s *Sample) Valid() bool {
	if s.DeviceID == "" || s.Timestamp == 0 {
		return false
	}
	if s.CPUUsagePercent == nil {
		return false
	}
	return rawPresent(s.Memory) && rawPresent(s.Network) && rawPresent(s.Disk)
}

// rawPresent reports whether a raw JSON field carries a usable value.
// Missing fields, nulls, and empty objects/arrays all count as absent.
func rawPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return false
	case bytes.Equal(trimmed, []byte("null")):
		return false
	case bytes.Equal(trimmed, []byte("{}")):
		return false
	case bytes.Equal(trimmed, []byte("[]")):
		return false
	case bytes.Equal(trimmed, []byte(`""`)):
		return false
	}
	return true
}
