package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/mqtt"
	"github.com/angeruPpb/esp-manager/internal/ota"
)

// unknownIP is recorded when a heartbeat carries no address.
const unknownIP = "unknown"

// Wire payloads as devices publish them. Devices in the field run several
// firmware generations, so older field names are still accepted.

// heartbeatPayload is published periodically on devices/heartbeat/{secret}.
type heartbeatPayload struct {
	APIKey         string  `json:"apiKey"`
	CurrentVersion string  `json:"currentVersion"`
	Version        string  `json:"version"` // older firmware
	IPAddress      string  `json:"ipAddress"`
	IP             string  `json:"ip"` // older firmware
	Counter        float64 `json:"counter"`
	Uptime         float64 `json:"uptime"`
	Heap           float64 `json:"heap"`
}

// downloadPayload is published on devices/download/complete/{secret}.
type downloadPayload struct {
	APIKey   string  `json:"apiKey"`
	Version  string  `json:"version"`
	Success  *bool   `json:"success"`
	Status   string  `json:"status"`
	Error    string  `json:"error"`
	FileSize float64 `json:"fileSize"`
}

// statusPayload is published on devices/update_status/{secret}.
type statusPayload struct {
	APIKey     string `json:"apiKey"`
	Status     string `json:"status"`
	Success    *bool  `json:"success"` // older firmware
	NewVersion string `json:"newVersion"`
	Version    string `json:"version"` // older firmware
	Error      string `json:"error"`
}

// inbound is one decoded message waiting in its device queue.
type inbound struct {
	kind   mqtt.MessageKind
	secret string
	apply  func(ctx context.Context, h EventHandler) error
}

// decode turns a raw message into an inbound event. A secret in the
// payload takes precedence over the one in the topic.
func decode(kind mqtt.MessageKind, topicSecret string, payload []byte, now time.Time) (inbound, error) {
	switch kind {
	case mqtt.KindHeartbeat:
		var p heartbeatPayload
		if err := unmarshal(payload, &p); err != nil {
			return inbound{}, err
		}
		hb := ota.Heartbeat{
			Secret:     pick(p.APIKey, topicSecret),
			Version:    pick(p.CurrentVersion, p.Version),
			IPAddress:  pick(p.IPAddress, p.IP, unknownIP),
			Counter:    int64(p.Counter),
			Uptime:     int64(p.Uptime),
			Heap:       int64(p.Heap),
			ReceivedAt: now,
		}
		return inbound{kind: kind, secret: hb.Secret, apply: func(ctx context.Context, h EventHandler) error {
			return h.HandleHeartbeat(ctx, hb)
		}}, nil

	case mqtt.KindDownloadComplete:
		var p downloadPayload
		if err := unmarshal(payload, &p); err != nil {
			return inbound{}, err
		}
		if p.Version == "" {
			return inbound{}, ErrMissingVersion
		}
		// A report that does not say it succeeded is a failed download.
		success, _ := ota.ParseOutcome(p.Status, p.Success)
		r := ota.DownloadReport{
			Secret:   pick(p.APIKey, topicSecret),
			Version:  p.Version,
			Success:  success,
			Error:    p.Error,
			FileSize: int64(p.FileSize),
		}
		return inbound{kind: kind, secret: r.Secret, apply: func(ctx context.Context, h EventHandler) error {
			return h.HandleDownloadComplete(ctx, r)
		}}, nil

	case mqtt.KindUpdateStatus:
		var p statusPayload
		if err := unmarshal(payload, &p); err != nil {
			return inbound{}, err
		}
		version := pick(p.NewVersion, p.Version)
		if version == "" {
			return inbound{}, ErrMissingVersion
		}
		success, known := ota.ParseOutcome(p.Status, p.Success)
		if !known {
			return inbound{}, fmt.Errorf("%w: update status has no outcome", ErrMalformedPayload)
		}
		r := ota.StatusReport{
			Secret:  pick(p.APIKey, topicSecret),
			Version: version,
			Success: success,
			Error:   p.Error,
		}
		return inbound{kind: kind, secret: r.Secret, apply: func(ctx context.Context, h EventHandler) error {
			return h.HandleUpdateStatus(ctx, r)
		}}, nil
	}

	return inbound{}, fmt.Errorf("%w: %s", ErrUnknownTopic, kind)
}

func unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

// pick returns the first non-empty value.
func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
