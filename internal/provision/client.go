// Package provision implements the one-shot configuration exchange with a
// device in setup mode and the orchestration of the full add-device flow.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"safetyfirst-home/internal/locallink"
)

// Fixed provisioning endpoints on the device's setup AP.
const (
	DefaultBaseSetupURL    = "http://192.168.4.1/setup"
	DefaultSensorConfigURL = "http://192.168.4.1/config_sensor"
)

// DefaultSensorType fills in the type field of legacy single-sensor replies
// that omit it.
const DefaultSensorType = "Generic"

const maxResponseBytes = 1 << 20

// GatewayError reports a non-OK transport status from the device.
type GatewayError struct {
	Status int
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("device returned status %d", e.Status)
}

// ParseError reports a response body that could not be interpreted.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse response: " + e.Reason
}

// BaseSetupRequest carries Wi-Fi credentials and the owning user to a base
// station.
type BaseSetupRequest struct {
	UID      string `json:"uid"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// SensorConfigRequest points a sensor at its base station.
type SensorConfigRequest struct {
	BaseMac string `json:"baseMac"`
}

// SensorEntity is one discovered sensor, normalized from either reply shape.
type SensorEntity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Response is the parsed device reply: a base station identity or a sensor
// list, never both.
type Response struct {
	// Mac is set for base setup replies.
	Mac string
	// Sensors is set for sensor config replies. Nil (as opposed to empty)
	// means the reply was not a sensor reply.
	Sensors []SensorEntity
	// Batch reports whether the batch shape was used, as opposed to the
	// legacy single-sensor shape.
	Batch bool
}

// Client performs the provisioning exchange over an association.
type Client struct {
	logger *slog.Logger
}

// NewClient creates a provisioning client.
func NewClient(logger *slog.Logger) *Client {
	return &Client{logger: logger.With("component", "provision")}
}

// Send serializes payload, POSTs it once to endpoint over the association,
// and parses the reply. It blocks until a response, a transport error, or the
// timeout, whichever comes first. Only status 200 is a success; any other
// status is a *GatewayError and an unintelligible body is a *ParseError.
func (c *Client) Send(ctx context.Context, assoc *locallink.Association, endpoint string, payload any, timeout time.Duration) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("sending configuration", "endpoint", endpoint)
	resp, err := assoc.HTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("send configuration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return parseResponse(data, DefaultSensorType)
}

// parseResponse interprets the structured reply. The batch shape takes
// precedence over the legacy single-sensor shape when both keys are present.
func parseResponse(data []byte, defaultType string) (*Response, error) {
	var shape struct {
		Sensors  []map[string]string `json:"sensors"`
		SensorID string              `json:"sensorId"`
		Type     string              `json:"type"`
		Mac      string              `json:"mac"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, &ParseError{Reason: "malformed body: " + err.Error()}
	}

	switch {
	case shape.Sensors != nil:
		sensors := make([]SensorEntity, 0, len(shape.Sensors))
		for i, raw := range shape.Sensors {
			id, ok := raw["id"]
			if !ok || id == "" {
				return nil, &ParseError{Reason: fmt.Sprintf("sensor %d: missing id", i)}
			}
			typ, ok := raw["type"]
			if !ok || typ == "" {
				return nil, &ParseError{Reason: fmt.Sprintf("sensor %d: missing type", i)}
			}
			sensors = append(sensors, SensorEntity{ID: id, Type: typ})
		}
		return &Response{Sensors: sensors, Batch: true}, nil

	case shape.SensorID != "":
		typ := shape.Type
		if typ == "" {
			typ = defaultType
		}
		return &Response{Sensors: []SensorEntity{{ID: shape.SensorID, Type: typ}}}, nil

	case shape.Mac != "":
		return &Response{Mac: shape.Mac}, nil
	}

	return nil, &ParseError{Reason: "no recognizable fields in response"}
}
