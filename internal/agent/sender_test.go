package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"sysmon/internal/models"
)

func senderSample() models.Sample {
	cpu := 12.5
	return models.Sample{
		DeviceID:        "dev-send",
		Timestamp:       1700000000,
		CPUUsagePercent: &cpu,
		Memory:          json.RawMessage(`{"kbmemfree":"100","kbmemused":"300","memused_percent":"75.00"}`),
		Network:         json.RawMessage(`[{"iface":"eth0","rx_kb":"1.00","tx_kb":"2.00"}]`),
		Disk:            json.RawMessage(`[{"device":"sda","wait":0.1,"util":0.2}]`),
	}
}

func TestSendPostsSampleToDataEndpoint(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Trailing slash on the server URL must not produce a double slash.
	sender := NewSender(server.URL+"/", nil, false)
	if err := sender.Send(context.Background(), senderSample()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/data" {
		t.Fatalf("posted to %q, want /data", gotPath)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type %q", gotContentType)
	}

	var decoded models.Sample
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decoding posted body: %v", err)
	}
	if decoded.DeviceID != "dev-send" || decoded.Timestamp != 1700000000 {
		t.Fatalf("unexpected posted sample: %+v", decoded)
	}
}

func TestSendReportsServerRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid payload"}`))
	}))
	defer server.Close()

	sender := NewSender(server.URL, nil, false)
	err := sender.Send(context.Background(), senderSample())
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestSendHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := NewSender(server.URL, nil, false)
	if err := sender.Send(ctx, senderSample()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
