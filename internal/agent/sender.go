package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sysmon/internal/models"
	"sysmon/internal/utils"
)

const sendTimeout = 5 * time.Second

// Sender posts samples to the server's /data endpoint.
type Sender struct {
	client    *http.Client
	serverURL string
	logger    *utils.Logger
	verbose   bool
}

func NewSender(serverURL string, logger *utils.Logger, verbose bool) *Sender {
	return &Sender{
		client:    &http.Client{Timeout: sendTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
		logger:    logger,
		verbose:   verbose,
	}
}

// Send posts one sample. Any non-2xx response is an error; the caller
// decides whether to retry on the next interval.
func (s *Sender) Send(ctx context.Context, sample models.Sample) error {
	body, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("agent: encoding sample: %w", err)
	}

	if s.verbose {
		s.logf("sending sample for %s to %s", sample.DeviceID, s.serverURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/data", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: sending sample: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if s.verbose {
		s.logf("server accepted sample for %s", sample.DeviceID)
	}
	return nil
}

func (s *Sender) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Write(fmt.Sprintf(format, args...))
		return
	}
	fmt.Printf(format+"\n", args...)
}
