package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vincentbai/browsetrace-replay/internal/buffer"
	"github.com/vincentbai/browsetrace-replay/internal/models"
)

const EnvelopeContentType = "application/x-browsetrace-envelope"

// EnvelopeHeader is the first line of a replay envelope. The recording bytes
// follow after a newline.
type EnvelopeHeader struct {
	ReplayID             string   `json:"replay_id"`
	SegmentID            int      `json:"segment_id"`
	ReplayType           string   `json:"replay_type"`
	Timestamp            float64  `json:"timestamp"`
	ReplayStartTimestamp *float64 `json:"replay_start_timestamp,omitempty"`
	URLs                 []string `json:"urls"`
	ErrorIDs             []string `json:"error_ids"`
	Compressed           bool     `json:"compressed"`
	Length               int      `json:"length"`
}

// HTTP posts segments to a replay endpoint.
type HTTP struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTP returns an HTTP transport. A nil client gets a 30 second timeout.
func NewHTTP(endpoint string, client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{endpoint: endpoint, client: client, logger: logger}
}

func (h *HTTP) Send(ctx context.Context, segment models.Segment) error {
	body, err := EncodeEnvelope(segment)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", EnvelopeContentType)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send segment: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: retry after %q", ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 400:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	h.logger.Debug("sent replay segment",
		"replay_id", segment.ReplayID,
		"segment_id", segment.SegmentID,
		"size", humanize.Bytes(uint64(len(body))),
	)
	return nil
}

// EncodeEnvelope renders segment as a header line followed by the recording.
func EncodeEnvelope(segment models.Segment) ([]byte, error) {
	header := EnvelopeHeader{
		ReplayID:             segment.ReplayID,
		SegmentID:            segment.SegmentID,
		ReplayType:           segment.ReplayType,
		Timestamp:            segment.Timestamp,
		ReplayStartTimestamp: segment.ReplayStartTimestamp,
		URLs:                 nonNil(segment.URLs),
		ErrorIDs:             nonNil(segment.ErrorIDs),
		Compressed:           buffer.IsCompressed(segment.RecordingData),
		Length:               len(segment.RecordingData),
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope header: %w", err)
	}

	out := make([]byte, 0, len(raw)+1+len(segment.RecordingData))
	out = append(out, raw...)
	out = append(out, '\n')
	out = append(out, segment.RecordingData...)
	return out, nil
}

// DecodeEnvelope splits an envelope into its header and recording bytes.
func DecodeEnvelope(body []byte) (EnvelopeHeader, []byte, error) {
	var header EnvelopeHeader
	i := bytes.IndexByte(body, '\n')
	if i < 0 {
		return header, nil, fmt.Errorf("envelope has no header line")
	}
	if err := json.Unmarshal(body[:i], &header); err != nil {
		return header, nil, fmt.Errorf("failed to parse envelope header: %w", err)
	}
	recording := body[i+1:]
	if len(recording) != header.Length {
		return header, nil, fmt.Errorf("envelope length mismatch: header says %d, got %d", header.Length, len(recording))
	}
	return header, recording, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
