package provision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"safetyfirst-home/internal/locallink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testLink is an association link over the default interface.
type testLink struct{}

func (testLink) Interface() string { return "" }
func (testLink) Close() error      { return nil }

type testRadio struct {
	err error
}

func (r *testRadio) Associate(context.Context, locallink.Advertisement) (locallink.Link, error) {
	if r.err != nil {
		return nil, r.err
	}
	return testLink{}, nil
}

func testAssociation(t *testing.T) *locallink.Association {
	t.Helper()
	m := locallink.NewManager(&testRadio{}, testLogger())
	assoc, err := m.Acquire(context.Background(), locallink.Advertisement{NamePrefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(assoc.Release)
	return assoc
}

func TestSendBaseSetup(t *testing.T) {
	var gotBody BaseSetupRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"mac":"AA:BB:CC"}`))
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	resp, err := c.Send(context.Background(), testAssociation(t), srv.URL,
		BaseSetupRequest{UID: "u1", SSID: "Home", Password: "secret"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if resp.Mac != "AA:BB:CC" {
		t.Errorf("mac = %q, want AA:BB:CC", resp.Mac)
	}
	if gotBody.UID != "u1" || gotBody.SSID != "Home" || gotBody.Password != "secret" {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestSendNonOKStatusIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	_, err := c.Send(context.Background(), testAssociation(t), srv.URL, SensorConfigRequest{}, 5*time.Second)

	var gw *GatewayError
	if !errors.As(err, &gw) {
		t.Fatalf("err = %v, want GatewayError", err)
	}
	if gw.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", gw.Status)
	}
}

func TestSendTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	_, err := c.Send(context.Background(), testAssociation(t), srv.URL, SensorConfigRequest{}, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestParseResponseShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *Response
		wantErr string
	}{
		{
			name: "base identity",
			body: `{"mac":"AA:BB:CC"}`,
			want: &Response{Mac: "AA:BB:CC"},
		},
		{
			name: "sensor batch",
			body: `{"sensors":[{"id":"s1","type":"flood"},{"id":"s2","type":"quake"}]}`,
			want: &Response{Sensors: []SensorEntity{{"s1", "flood"}, {"s2", "quake"}}, Batch: true},
		},
		{
			name: "batch takes precedence over legacy field",
			body: `{"sensors":[{"id":"s1","type":"flood"}],"sensorId":"legacy","type":"quake"}`,
			want: &Response{Sensors: []SensorEntity{{"s1", "flood"}}, Batch: true},
		},
		{
			name: "empty batch means zero entities",
			body: `{"sensors":[]}`,
			want: &Response{Sensors: []SensorEntity{}, Batch: true},
		},
		{
			name: "legacy single sensor",
			body: `{"sensorId":"s9","type":"quake"}`,
			want: &Response{Sensors: []SensorEntity{{"s9", "quake"}}},
		},
		{
			name: "legacy single sensor defaults type",
			body: `{"sensorId":"s9"}`,
			want: &Response{Sensors: []SensorEntity{{"s9", DefaultSensorType}}},
		},
		{
			name:    "batch entry missing type",
			body:    `{"sensors":[{"id":"s1"}]}`,
			wantErr: "missing type",
		},
		{
			name:    "batch entry missing id",
			body:    `{"sensors":[{"type":"flood"}]}`,
			wantErr: "missing id",
		},
		{
			name:    "malformed json",
			body:    `{"mac":`,
			wantErr: "malformed",
		},
		{
			name:    "nothing recognizable",
			body:    `{"hello":"world"}`,
			wantErr: "no recognizable",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := parseResponse([]byte(tc.body), DefaultSensorType)
			if tc.wantErr != "" {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want ParseError", err)
				}
				if !strings.Contains(pe.Reason, tc.wantErr) {
					t.Errorf("reason = %q, want substring %q", pe.Reason, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if resp.Mac != tc.want.Mac || resp.Batch != tc.want.Batch {
				t.Errorf("resp = %+v, want %+v", resp, tc.want)
			}
			if len(resp.Sensors) != len(tc.want.Sensors) {
				t.Fatalf("sensors = %v, want %v", resp.Sensors, tc.want.Sensors)
			}
			for i := range resp.Sensors {
				if resp.Sensors[i] != tc.want.Sensors[i] {
					t.Errorf("sensor %d = %v, want %v", i, resp.Sensors[i], tc.want.Sensors[i])
				}
			}
		})
	}
}
