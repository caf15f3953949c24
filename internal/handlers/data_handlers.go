// Package handlers binds the telemetry pipeline to the HTTP API.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sysmon/internal/metrics"
	"sysmon/internal/models"
	"sysmon/internal/monitor"
	"sysmon/internal/utils"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000

	defaultWindowHours = 24
	maxWindowHours     = 24 * 31
)

type DataHandlers struct {
	monitor *monitor.Monitor
	logger  *utils.Logger
}

func NewDataHandlers(mon *monitor.Monitor, logger *utils.Logger) *DataHandlers {
	return &DataHandlers{monitor: mon, logger: logger}
}

// DataPOST accepts one telemetry sample. Validation failures are the
// caller's fault (400); store failures are ours (500, generic message,
// no internal detail).
func (h *DataHandlers) DataPOST(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	id, err := h.monitor.IngestJSON(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		h.logf("ingest failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	metrics.SamplesIngested.WithLabelValues("http").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "success", "id": id})
}

// DevicesGET lists every device identifier ever stored.
func (h *DataHandlers) DevicesGET(c *gin.Context) {
	devices, err := h.monitor.Devices(c.Request.Context())
	if err != nil {
		h.logf("listing devices: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if devices == nil {
		devices = []string{}
	}
	c.JSON(http.StatusOK, devices)
}

// DataGET returns up to limit recent samples for one device, newest
// first, with the nested structures deserialized back to structured
// form.
func (h *DataHandlers) DataGET(c *gin.Context) {
	deviceID := c.Param("id")

	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	samples, err := h.monitor.Recent(c.Request.Context(), deviceID, limit)
	if err != nil {
		h.logf("recent samples for %s: %v", deviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if samples == nil {
		samples = []models.Sample{}
	}
	c.JSON(http.StatusOK, samples)
}

// HistoryGET returns the per-metric series bundle for one device over
// a trailing window of hours (fractional hours accepted).
func (h *DataHandlers) HistoryGET(c *gin.Context) {
	deviceID := c.Param("id")

	hours := float64(defaultWindowHours)
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
			return
		}
		hours = parsed
	}
	if hours > maxWindowHours {
		hours = maxWindowHours
	}

	bundle, err := h.monitor.History(c.Request.Context(), deviceID, hours)
	if err != nil {
		h.logf("history for %s: %v", deviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (h *DataHandlers) logf(format string, args ...interface{}) {
	if h.logger != nil {
		h.logger.Write(fmt.Sprintf(format, args...))
	}
}
