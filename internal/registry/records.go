package registry

import (
	"time"

	"safetyfirst-home/internal/docstore"
)

// Sensor status values written by the device itself.
const (
	StatusNormal = 0
	StatusAlert  = 1
)

// BaseStation is a registered base station record. MacAddress is the
// hardware identity and document key. Command and ConfirmDestroy are mailbox
// fields: Command is written by the controller, ConfirmDestroy by the device.
type BaseStation struct {
	MacAddress     string    `json:"macAddress"`
	Name           string    `json:"name"`
	DateAdded      time.Time `json:"dateAdded"`
	Command        string    `json:"command,omitempty"`
	ConfirmDestroy string    `json:"confirmDestroy,omitempty"`
}

// Sensor is a registered sensor record. Status and Value are written by the
// physical device through the mailbox; the controller only reads them.
type Sensor struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	Type       string    `json:"type"`
	Status     int       `json:"status"`
	Value      float64   `json:"value"`
	LinkedBase string    `json:"linkedBase"`
	DateAdded  time.Time `json:"dateAdded"`
}

// InAlert reports whether the device has raised the sensor's alarm state.
func (s *Sensor) InAlert() bool {
	return s.Status == StatusAlert
}

func baseFromDoc(mac string, doc docstore.Document) *BaseStation {
	b := &BaseStation{MacAddress: mac}
	if v, ok := doc["macAddress"].(string); ok && v != "" {
		b.MacAddress = v
	}
	b.Name, _ = doc["name"].(string)
	b.Command, _ = doc["command"].(string)
	b.ConfirmDestroy, _ = doc["confirmDestroy"].(string)
	b.DateAdded = timeFromDoc(doc["dateAdded"])
	return b
}

// SensorFromDoc converts a stored sensor document into a record. Exported for
// the hub's monitor, which receives raw documents from prefix watches.
func SensorFromDoc(id string, doc docstore.Document) *Sensor {
	s := &Sensor{ID: id}
	s.Name, _ = doc["name"].(string)
	s.Location, _ = doc["location"].(string)
	s.Type, _ = doc["type"].(string)
	s.Status = intFromDoc(doc["status"])
	s.Value = floatFromDoc(doc["value"])
	s.LinkedBase, _ = doc["linkedBase"].(string)
	s.DateAdded = timeFromDoc(doc["dateAdded"])
	return s
}

// Documents round-trip through JSON, so numbers come back as float64 and
// times as RFC 3339 strings.

func intFromDoc(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func floatFromDoc(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func timeFromDoc(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
