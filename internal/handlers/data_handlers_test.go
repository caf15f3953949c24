package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"sysmon/internal/models"
	"sysmon/internal/monitor"
	"sysmon/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *monitor.Monitor) {
	t.Helper()

	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "handlers_test.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mon := monitor.New(st, nil, nil)
	h := NewDataHandlers(mon, nil)

	router := gin.New()
	router.POST("/data", h.DataPOST)
	router.GET("/devices", h.DevicesGET)
	router.GET("/data/:id", h.DataGET)
	api := router.Group("/api")
	api.GET("/device/:id/history", h.HistoryGET)
	return router, mon
}

func samplePayload(deviceID string, timestamp int64, cpu float64) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"device_id":         deviceID,
		"timestamp":         timestamp,
		"cpu_usage_percent": cpu,
		"memory": map[string]string{
			"kbmemfree":       "1000",
			"kbmemused":       "3000",
			"memused_percent": "75.00",
		},
		"network": []map[string]string{
			{"iface": "eth0", "rx_kb": "1.00", "tx_kb": "2.00"},
		},
		"disk": []map[string]interface{}{
			{"device": "sda", "wait": 0.5, "util": 1.5},
		},
	})
	return payload
}

func doRequest(t *testing.T, router *gin.Engine, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDataPOSTAcceptsValidSample(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/data", samplePayload("dev-a", 1000, 12.5))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "success" || resp["id"] != "dev-a" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestDataPOSTRejectsInvalidPayload(t *testing.T) {
	router, mon := newTestRouter(t)

	cases := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("not json at all")},
		{"missing fields", []byte(`{"device_id":"dev-x","timestamp":1000}`)},
		{"empty memory", []byte(`{"device_id":"dev-x","timestamp":1000,"cpu_usage_percent":1,"memory":{},"network":[{"iface":"eth0"}],"disk":[{"device":"sda"}]}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, router, http.MethodPost, "/data", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status %d, want 400; body %s", w.Code, w.Body.String())
			}
		})
	}

	if _, ok := mon.Latest("dev-x"); ok {
		t.Fatal("rejected payload reached the cache")
	}
}

func TestRejectionDoesNotDisturbPriorState(t *testing.T) {
	router, mon := newTestRouter(t)

	if w := doRequest(t, router, http.MethodPost, "/data", samplePayload("dev-b", 1000, 5)); w.Code != http.StatusOK {
		t.Fatalf("seed POST failed: %d", w.Code)
	}
	if w := doRequest(t, router, http.MethodPost, "/data", []byte(`{"device_id":"dev-b"}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	cached, ok := mon.Latest("dev-b")
	if !ok || cached.Timestamp != 1000 {
		t.Fatalf("prior state disturbed: %+v ok=%v", cached, ok)
	}
}

func TestDevicesGET(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Body.String(); got != "[]" {
		t.Fatalf("expected empty JSON array, got %s", got)
	}

	for _, id := range []string{"beta", "alpha"} {
		if w := doRequest(t, router, http.MethodPost, "/data", samplePayload(id, 1000, 1)); w.Code != http.StatusOK {
			t.Fatalf("POST %s failed: %d", id, w.Code)
		}
	}

	w = doRequest(t, router, http.MethodGet, "/devices", nil)
	var devices []string
	if err := json.Unmarshal(w.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decoding devices: %v", err)
	}
	if len(devices) != 2 || devices[0] != "alpha" || devices[1] != "beta" {
		t.Fatalf("unexpected device list: %v", devices)
	}
}

func TestDataGETLimitAndOrder(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, ts := range []int64{100, 300, 200} {
		if w := doRequest(t, router, http.MethodPost, "/data", samplePayload("dev-l", ts, 1)); w.Code != http.StatusOK {
			t.Fatalf("POST %d failed: %d", ts, w.Code)
		}
	}

	w := doRequest(t, router, http.MethodGet, "/data/dev-l?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var samples []models.Sample
	if err := json.Unmarshal(w.Body.Bytes(), &samples); err != nil {
		t.Fatalf("decoding samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Timestamp != 300 || samples[1].Timestamp != 200 {
		t.Fatalf("expected newest first, got %d, %d", samples[0].Timestamp, samples[1].Timestamp)
	}
}

func TestDataGETInvalidLimit(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, q := range []string{"limit=abc", "limit=0", "limit=-5"} {
		w := doRequest(t, router, http.MethodGet, "/data/dev-x?"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", q, w.Code)
		}
	}
}

func TestDataGETUnknownDevice(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/data/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Body.String(); got != "[]" {
		t.Fatalf("expected empty JSON array, got %s", got)
	}
}

func TestHistoryGET(t *testing.T) {
	router, _ := newTestRouter(t)

	recent := time.Now().Unix() - 60
	if w := doRequest(t, router, http.MethodPost, "/data", samplePayload("dev-h", recent, 42)); w.Code != http.StatusOK {
		t.Fatalf("POST failed: %d", w.Code)
	}

	w := doRequest(t, router, http.MethodGet, "/api/device/dev-h/history?hours=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	var bundle struct {
		Timestamps []string            `json:"timestamps"`
		CPU        []float64           `json:"cpu"`
		Network    map[string]struct{} `json:"network"`
		Disk       map[string]struct{} `json:"disk"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}
	if len(bundle.Timestamps) != 1 || len(bundle.CPU) != 1 {
		t.Fatalf("expected one point, got %d/%d", len(bundle.Timestamps), len(bundle.CPU))
	}
	if bundle.CPU[0] != 42 {
		t.Fatalf("cpu %v, want 42", bundle.CPU[0])
	}
	if _, ok := bundle.Network["eth0"]; !ok {
		t.Fatalf("expected eth0 series, got %v", bundle.Network)
	}
	if _, ok := bundle.Disk["sda"]; !ok {
		t.Fatalf("expected sda series, got %v", bundle.Disk)
	}
}

func TestHistoryGETInvalidHours(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, q := range []string{"hours=abc", "hours=0", "hours=-3"} {
		w := doRequest(t, router, http.MethodGet, "/api/device/dev-x/history?"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", q, w.Code)
		}
	}
}

func TestHistoryGETEmptyShapes(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/api/device/nobody/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}
	// Empty series must encode as [] and {}, never null.
	if string(raw["timestamps"]) != "[]" {
		t.Fatalf("timestamps = %s, want []", raw["timestamps"])
	}
	if string(raw["network"]) != "{}" {
		t.Fatalf("network = %s, want {}", raw["network"])
	}
	if string(raw["disk"]) != "{}" {
		t.Fatalf("disk = %s, want {}", raw["disk"])
	}
}
