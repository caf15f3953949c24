package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"sysmon/internal/models"
)

// Collector samples host CPU, memory, network, and disk counters and
// turns them into telemetry samples. Rates are computed from counter
// deltas between consecutive Collect calls, so the first sample of a
// run reports zero throughput and zero CPU.
type Collector struct {
	deviceID string

	lastCPUTotal float64
	lastCPUIdle  float64

	lastNet     map[string]net.IOCountersStat
	lastDisk    map[string]disk.IOCountersStat
	lastSampled time.Time
}

func NewCollector(deviceID string) *Collector {
	return &Collector{deviceID: deviceID}
}

// Collect gathers one sample. Memory, network, and disk subsections
// are marshalled into the sample's raw fields using the same encoding
// the store round-trips.
func (c *Collector) Collect(ctx context.Context) (models.Sample, error) {
	now := time.Now()
	timestamp := now.Unix()

	cpuPercent, err := c.collectCPU(ctx)
	if err != nil {
		return models.Sample{}, fmt.Errorf("agent: cpu: %w", err)
	}

	memory, err := collectMemory(ctx)
	if err != nil {
		return models.Sample{}, fmt.Errorf("agent: memory: %w", err)
	}

	elapsed := now.Sub(c.lastSampled).Seconds()
	if c.lastSampled.IsZero() {
		elapsed = 0
	}

	network, err := c.collectNetwork(ctx, elapsed)
	if err != nil {
		return models.Sample{}, fmt.Errorf("agent: network: %w", err)
	}

	diskStats, err := c.collectDisk(ctx, elapsed)
	if err != nil {
		return models.Sample{}, fmt.Errorf("agent: disk: %w", err)
	}

	c.lastSampled = now

	memoryRaw, err := json.Marshal(memory)
	if err != nil {
		return models.Sample{}, fmt.Errorf("agent: encoding memory: %w", err)
	}
	networkRaw, err := json.Marshal(network)
	if err != nil {
		return models.Sample{}, fmt.Errorf("agent: encoding network: %w", err)
	}
	diskRaw, err := json.Marshal(diskStats)
	if err != nil {
		return models.Sample{}, fmt.Errorf("agent: encoding disk: %w", err)
	}

	return models.Sample{
		DeviceID:        c.deviceID,
		Timestamp:       timestamp,
		CPUUsagePercent: &cpuPercent,
		Memory:          memoryRaw,
		Network:         networkRaw,
		Disk:            diskRaw,
	}, nil
}

func (c *Collector) collectCPU(ctx context.Context) (float64, error) {
	timesStats, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(timesStats) == 0 {
		return 0, fmt.Errorf("no cpu times reported")
	}

	stat := timesStats[0]
	total := stat.User + stat.System + stat.Nice + stat.Idle + stat.Iowait +
		stat.Irq + stat.Softirq + stat.Steal + stat.Guest + stat.GuestNice
	idle := stat.Idle + stat.Iowait

	deltaTotal := total - c.lastCPUTotal
	deltaIdle := idle - c.lastCPUIdle
	hasPrev := c.lastCPUTotal > 0
	c.lastCPUTotal = total
	c.lastCPUIdle = idle

	if !hasPrev || deltaTotal <= 0 {
		return 0, nil
	}
	used := deltaTotal - deltaIdle
	if used < 0 {
		used = 0
	}
	return clampFloat((used/deltaTotal)*100, 0, 100), nil
}

func collectMemory(ctx context.Context) (models.MemoryStats, error) {
	stats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return models.MemoryStats{}, err
	}
	return models.MemoryStats{
		KBMemFree:      kbNumber(stats.Free),
		KBMemUsed:      kbNumber(stats.Used),
		MemUsedPercent: json.Number(strconv.FormatFloat(stats.UsedPercent, 'f', 2, 64)),
	}, nil
}

func (c *Collector) collectNetwork(ctx context.Context, elapsed float64) ([]models.NetworkInterfaceStats, error) {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, err
	}

	current := make(map[string]net.IOCountersStat, len(counters))
	for _, ctr := range counters {
		current[ctr.Name] = ctr
	}

	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]models.NetworkInterfaceStats, 0, len(names))
	for _, name := range names {
		ctr := current[name]
		var rxKB, txKB float64
		if prev, ok := c.lastNet[name]; ok && elapsed > 0 {
			if ctr.BytesRecv >= prev.BytesRecv {
				rxKB = float64(ctr.BytesRecv-prev.BytesRecv) / 1024 / elapsed
			}
			if ctr.BytesSent >= prev.BytesSent {
				txKB = float64(ctr.BytesSent-prev.BytesSent) / 1024 / elapsed
			}
		}
		result = append(result, models.NetworkInterfaceStats{
			Iface: name,
			RxKB:  rateNumber(rxKB),
			TxKB:  rateNumber(txKB),
		})
	}

	c.lastNet = current
	return result, nil
}

func (c *Collector) collectDisk(ctx context.Context, elapsed float64) ([]models.DiskDeviceStats, error) {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]models.DiskDeviceStats, 0, len(names))
	for _, name := range names {
		ctr := counters[name]
		var wait, util float64
		if prev, ok := c.lastDisk[name]; ok && elapsed > 0 {
			deltaOps := float64(ctr.ReadCount-prev.ReadCount) + float64(ctr.WriteCount-prev.WriteCount)
			deltaTime := float64(ctr.ReadTime-prev.ReadTime) + float64(ctr.WriteTime-prev.WriteTime)
			if deltaOps > 0 {
				wait = deltaTime / deltaOps
			}
			util = clampFloat(float64(ctr.IoTime-prev.IoTime)/(elapsed*1000)*100, 0, 100)
		}
		result = append(result, models.DiskDeviceStats{
			Device: name,
			Wait:   roundTenth(wait),
			Util:   roundTenth(util),
		})
	}

	c.lastDisk = counters
	return result, nil
}

func kbNumber(bytes uint64) json.Number {
	return json.Number(strconv.FormatUint(bytes/1024, 10))
}

func rateNumber(kbPerSec float64) json.Number {
	return json.Number(strconv.FormatFloat(kbPerSec, 'f', 2, 64))
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func clampFloat(val, min, max float64) float64 {
	if math.IsNaN(val) {
		return min
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
