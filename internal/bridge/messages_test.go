package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/mqtt"
	"github.com/angeruPpb/esp-manager/internal/ota"
)

// capture runs an inbound event against a fresh recordingHandler.
func capture(t *testing.T, msg inbound) *recordingHandler {
	t.Helper()
	h := &recordingHandler{}
	if err := msg.apply(context.Background(), h); err != nil {
		t.Fatalf("apply() error = %v", err)
	}
	return h
}

func TestDecodeHeartbeat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		want    ota.Heartbeat
	}{
		{
			name:    "current field names",
			payload: `{"currentVersion":"1.2.0","ipAddress":"10.0.0.3","counter":4,"uptime":60,"heap":2048}`,
			want:    ota.Heartbeat{Secret: "esp32_topic", Version: "1.2.0", IPAddress: "10.0.0.3", Counter: 4, Uptime: 60, Heap: 2048, ReceivedAt: now},
		},
		{
			name:    "older field names",
			payload: `{"version":"1.0.1","ip":"10.0.0.4"}`,
			want:    ota.Heartbeat{Secret: "esp32_topic", Version: "1.0.1", IPAddress: "10.0.0.4", ReceivedAt: now},
		},
		{
			name:    "missing address",
			payload: `{"currentVersion":"1.0.0"}`,
			want:    ota.Heartbeat{Secret: "esp32_topic", Version: "1.0.0", IPAddress: "unknown", ReceivedAt: now},
		},
		{
			name:    "payload secret overrides topic",
			payload: `{"apiKey":"esp32_payload","currentVersion":"1.0.0","ipAddress":"1.1.1.1"}`,
			want:    ota.Heartbeat{Secret: "esp32_payload", Version: "1.0.0", IPAddress: "1.1.1.1", ReceivedAt: now},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decode(mqtt.KindHeartbeat, "esp32_topic", []byte(tt.payload), now)
			if err != nil {
				t.Fatalf("decode() error = %v", err)
			}
			if msg.secret != tt.want.Secret {
				t.Errorf("queue secret = %q, want %q", msg.secret, tt.want.Secret)
			}
			h := capture(t, msg)
			if len(h.heartbeats) != 1 || h.heartbeats[0] != tt.want {
				t.Errorf("heartbeat = %+v, want %+v", h.heartbeats, tt.want)
			}
		})
	}
}

func TestDecodeUpdateStatus(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    ota.StatusReport
		wantErr error
	}{
		{
			name:    "status string",
			payload: `{"status":"success","newVersion":"2.0.0"}`,
			want:    ota.StatusReport{Secret: "esp32_t", Version: "2.0.0", Success: true},
		},
		{
			name:    "status wins over legacy boolean",
			payload: `{"status":"failed","success":true,"version":"2.0.0","error":"bad image"}`,
			want:    ota.StatusReport{Secret: "esp32_t", Version: "2.0.0", Error: "bad image"},
		},
		{
			name:    "newVersion wins over version",
			payload: `{"success":true,"newVersion":"2.0.0","version":"1.0.0"}`,
			want:    ota.StatusReport{Secret: "esp32_t", Version: "2.0.0", Success: true},
		},
		{
			name:    "legacy boolean",
			payload: `{"success":false,"version":"2.0.0"}`,
			want:    ota.StatusReport{Secret: "esp32_t", Version: "2.0.0"},
		},
		{
			name:    "unrecognised status falls back to boolean",
			payload: `{"status":"done","success":true,"version":"2.0.0"}`,
			want:    ota.StatusReport{Secret: "esp32_t", Version: "2.0.0", Success: true},
		},
		{
			name:    "no version",
			payload: `{"status":"success"}`,
			wantErr: ErrMissingVersion,
		},
		{
			name:    "no outcome",
			payload: `{"version":"2.0.0"}`,
			wantErr: ErrMalformedPayload,
		},
		{
			name:    "not an object",
			payload: `[1,2]`,
			wantErr: ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decode(mqtt.KindUpdateStatus, "esp32_t", []byte(tt.payload), time.Now())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode() error = %v", err)
			}
			h := capture(t, msg)
			if len(h.statuses) != 1 || h.statuses[0] != tt.want {
				t.Errorf("status = %+v, want %+v", h.statuses, tt.want)
			}
		})
	}
}

func TestDecodeDownloadComplete(t *testing.T) {
	msg, err := decode(mqtt.KindDownloadComplete, "esp32_t",
		[]byte(`{"version":"1.1.0","success":false,"error":"http 404","fileSize":0}`), time.Now())
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	h := capture(t, msg)
	want := ota.DownloadReport{Secret: "esp32_t", Version: "1.1.0", Error: "http 404"}
	if len(h.downloads) != 1 || h.downloads[0] != want {
		t.Errorf("download = %+v, want %+v", h.downloads, want)
	}

	msg, err = decode(mqtt.KindDownloadComplete, "esp32_t", []byte(`{"version":"1.1.0","fileSize":512}`), time.Now())
	if err != nil {
		t.Fatalf("decode(no outcome) error = %v", err)
	}
	h = capture(t, msg)
	want = ota.DownloadReport{Secret: "esp32_t", Version: "1.1.0", FileSize: 512}
	if len(h.downloads) != 1 || h.downloads[0] != want {
		t.Errorf("download without outcome = %+v, want failed %+v", h.downloads, want)
	}

	if _, err := decode(mqtt.KindDownloadComplete, "esp32_t", []byte(`{"success":true}`), time.Now()); !errors.Is(err, ErrMissingVersion) {
		t.Errorf("decode(no version) error = %v, want ErrMissingVersion", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := decode(mqtt.MessageKind("telemetry"), "esp32_t", []byte(`{}`), time.Now()); !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("decode() error = %v, want ErrUnknownTopic", err)
	}
}
