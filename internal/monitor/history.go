package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sysmon/internal/models"
)

// ErrMalformedSample marks a stored nested blob that failed to decode
// while building a history response. The whole query is aborted;
// partial results are never returned.
var ErrMalformedSample = errors.New("malformed stored sample")

const historyTimeFormat = "2006-01-02 15:04:05"

// SeriesBundle is the per-metric, time-aligned projection of a
// device's samples over a trailing window. Built fresh per query,
// never cached.
//
// The network and disk key sets are discovered from the first row in
// the window; an interface or disk appearing only in later rows is
// dropped, so a key's series may be shorter than the timestamp list
// when the hardware set varies mid-window. Gaps are not backfilled.
type SeriesBundle struct {
	Timestamps []string                    `json:"timestamps"`
	CPU        []float64                   `json:"cpu"`
	Memory     MemorySeries                `json:"memory"`
	Network    map[string]*InterfaceSeries `json:"network"`
	Disk       map[string]*DiskSeries      `json:"disk"`
}

// MemorySeries holds the three memory metrics as parallel columns.
type MemorySeries struct {
	Free    []json.Number `json:"free"`
	Used    []json.Number `json:"used"`
	Percent []json.Number `json:"percent"`
}

// InterfaceSeries holds per-interface throughput columns.
type InterfaceSeries struct {
	Rx []json.Number `json:"rx"`
	Tx []json.Number `json:"tx"`
}

// DiskSeries holds per-device activity columns.
type DiskSeries struct {
	Wait []float64 `json:"wait"`
	Util []float64 `json:"util"`
}

func emptyBundle() SeriesBundle {
	return SeriesBundle{
		Timestamps: []string{},
		CPU:        []float64{},
		Memory: MemorySeries{
			Free:    []json.Number{},
			Used:    []json.Number{},
			Percent: []json.Number{},
		},
		Network: map[string]*InterfaceSeries{},
		Disk:    map[string]*DiskSeries{},
	}
}

// History scans the device's samples newer than now minus windowHours
// and reshapes the rows into per-metric series. No matching rows is an
// empty bundle, not an error.
func (m *Monitor) History(ctx context.Context, deviceID string, windowHours float64) (SeriesBundle, error) {
	cutoff := m.now().Unix() - int64(windowHours*3600)

	rows, err := m.store.Range(ctx, deviceID, cutoff)
	if err != nil {
		return emptyBundle(), err
	}
	return buildSeries(rows)
}

func buildSeries(rows []models.Sample) (SeriesBundle, error) {
	bundle := emptyBundle()
	if len(rows) == 0 {
		return bundle, nil
	}

	// The first row fixes the interface and disk key sets for the
	// whole window.
	firstNetwork, err := decodeNetwork(rows[0])
	if err != nil {
		return emptyBundle(), err
	}
	firstDisk, err := decodeDisk(rows[0])
	if err != nil {
		return emptyBundle(), err
	}
	for _, iface := range firstNetwork {
		bundle.Network[iface.Iface] = &InterfaceSeries{Rx: []json.Number{}, Tx: []json.Number{}}
	}
	for _, device := range firstDisk {
		bundle.Disk[device.Device] = &DiskSeries{Wait: []float64{}, Util: []float64{}}
	}

	for i := range rows {
		row := &rows[i]

		bundle.Timestamps = append(bundle.Timestamps,
			time.Unix(row.Timestamp, 0).Format(historyTimeFormat))

		var cpu float64
		if row.CPUUsagePercent != nil {
			cpu = *row.CPUUsagePercent
		}
		bundle.CPU = append(bundle.CPU, cpu)

		var memory models.MemoryStats
		if err := json.Unmarshal(row.Memory, &memory); err != nil {
			return emptyBundle(), malformed(row, "memory", err)
		}
		bundle.Memory.Free = append(bundle.Memory.Free, memory.KBMemFree)
		bundle.Memory.Used = append(bundle.Memory.Used, memory.KBMemUsed)
		bundle.Memory.Percent = append(bundle.Memory.Percent, memory.MemUsedPercent)

		network, err := decodeNetwork(*row)
		if err != nil {
			return emptyBundle(), err
		}
		for _, iface := range network {
			series, known := bundle.Network[iface.Iface]
			if !known {
				continue // introduced after the first row; dropped
			}
			series.Rx = append(series.Rx, iface.RxKB)
			series.Tx = append(series.Tx, iface.TxKB)
		}

		disk, err := decodeDisk(*row)
		if err != nil {
			return emptyBundle(), err
		}
		for _, device := range disk {
			series, known := bundle.Disk[device.Device]
			if !known {
				continue
			}
			series.Wait = append(series.Wait, device.Wait)
			series.Util = append(series.Util, device.Util)
		}
	}

	return bundle, nil
}

func decodeNetwork(row models.Sample) ([]models.NetworkInterfaceStats, error) {
	var network []models.NetworkInterfaceStats
	if err := json.Unmarshal(row.Network, &network); err != nil {
		return nil, malformed(&row, "network", err)
	}
	return network, nil
}

func decodeDisk(row models.Sample) ([]models.DiskDeviceStats, error) {
	var disk []models.DiskDeviceStats
	if err := json.Unmarshal(row.Disk, &disk); err != nil {
		return nil, malformed(&row, "disk", err)
	}
	return disk, nil
}

func malformed(row *models.Sample, field string, err error) error {
	return fmt.Errorf("%w: %s blob for %s@%d: %v",
		ErrMalformedSample, field, row.DeviceID, row.Timestamp, err)
}
