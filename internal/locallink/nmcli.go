package locallink

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// NMCLIRadio drives Wi-Fi association through NetworkManager's nmcli. Setup
// APs are open networks, so connecting is scan + connect by SSID.
type NMCLIRadio struct {
	logger       *slog.Logger
	scanInterval time.Duration

	// run is swapped out in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewNMCLIRadio creates a radio backed by the nmcli binary.
func NewNMCLIRadio(logger *slog.Logger) *NMCLIRadio {
	r := &NMCLIRadio{
		logger:       logger.With("component", "radio"),
		scanInterval: 3 * time.Second,
	}
	r.run = r.runNMCLI
	return r
}

func (r *NMCLIRadio) runNMCLI(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("nmcli %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Associate scans for an SSID with the advertised prefix and connects to it.
// Scanning repeats until the context deadline, which maps to ErrNotFound:
// the device is simply not in setup mode.
func (r *NMCLIRadio) Associate(ctx context.Context, adv Advertisement) (Link, error) {
	var ssid string
	for ssid == "" {
		out, err := r.run(ctx, "--terse", "--fields", "SSID", "device", "wifi", "list", "--rescan", "yes")
		if err != nil {
			return nil, r.classify(ctx, err, out)
		}
		ssid = firstWithPrefix(parseTerseLines(out), adv.NamePrefix)
		if ssid != "" {
			break
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrNotFound
			}
			return nil, ctx.Err()
		case <-time.After(r.scanInterval):
		}
	}

	r.logger.Info("setup network found", "ssid", ssid)
	if out, err := r.run(ctx, "device", "wifi", "connect", ssid); err != nil {
		return nil, r.classify(ctx, err, out)
	}

	out, err := r.run(ctx, "--terse", "--fields", "DEVICE,CONNECTION", "device", "status")
	if err != nil {
		return nil, r.classify(ctx, err, out)
	}
	iface := deviceForConnection(parseTerseLines(out), ssid)
	if iface == "" {
		r.logger.Warn("connected but interface unknown", "ssid", ssid)
	}

	return &nmcliLink{radio: r, ssid: ssid, iface: iface}, nil
}

func (r *NMCLIRadio) classify(ctx context.Context, err error, out []byte) error {
	// A deadline that kills an in-flight nmcli invocation is the same
	// platform timeout as one expiring between scans.
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	msg := strings.ToLower(string(out) + err.Error())
	if strings.Contains(msg, "not authorized") || strings.Contains(msg, "insufficient privileges") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

type nmcliLink struct {
	radio *NMCLIRadio
	ssid  string
	iface string
}

func (l *nmcliLink) Interface() string { return l.iface }

// Close disconnects from the setup AP and forgets the connection profile so
// NetworkManager does not auto-reconnect to it later.
func (l *nmcliLink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, downErr := l.radio.run(ctx, "connection", "down", "id", l.ssid)
	if _, err := l.radio.run(ctx, "connection", "delete", "id", l.ssid); err != nil {
		l.radio.logger.Debug("delete connection profile", "ssid", l.ssid, "err", err)
	}
	return downErr
}

func parseTerseLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func firstWithPrefix(ssids []string, prefix string) string {
	for _, s := range ssids {
		if strings.HasPrefix(s, prefix) {
			return s
		}
	}
	return ""
}

// deviceForConnection finds the interface carrying the named connection in
// "DEVICE:CONNECTION" terse rows. SSIDs may themselves contain colons, so
// only the first colon splits.
func deviceForConnection(rows []string, connection string) string {
	for _, row := range rows {
		dev, conn, ok := strings.Cut(row, ":")
		if ok && conn == connection {
			return dev
		}
	}
	return ""
}
