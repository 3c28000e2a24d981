package mqtt

import "strings"

// Topic roots.
const (
	// TopicPrefixDevices is the root of every device-facing topic.
	TopicPrefixDevices = "devices"

	// TopicSystemStatus carries the manager's own retained online/offline state.
	TopicSystemStatus = "espmanager/status"
)

// MessageKind identifies an inbound device topic family.
type MessageKind string

// Inbound device message kinds.
const (
	KindHeartbeat        MessageKind = "heartbeat"
	KindDownloadComplete MessageKind = "download_complete"
	KindUpdateStatus     MessageKind = "update_status"
)

// Topics builds the device topic names.
//
//	topics := mqtt.Topics{}
//	topics.UpdateCommand("esp32_ab12...")
//	// Returns: "devices/command/esp32_ab12.../update"
type Topics struct{}

// Heartbeat returns the liveness topic for one device.
func (Topics) Heartbeat(secret string) string {
	return TopicPrefixDevices + "/heartbeat/" + secret
}

// DownloadComplete returns the download report topic for one device.
func (Topics) DownloadComplete(secret string) string {
	return TopicPrefixDevices + "/download/complete/" + secret
}

// UpdateStatus returns the install report topic for one device.
func (Topics) UpdateStatus(secret string) string {
	return TopicPrefixDevices + "/update_status/" + secret
}

// UpdateCommand returns the topic a device listens on for update commands.
func (Topics) UpdateCommand(secret string) string {
	return TopicPrefixDevices + "/command/" + secret + "/update"
}

// AllHeartbeats matches every device's heartbeat topic.
func (t Topics) AllHeartbeats() string {
	return t.Heartbeat("+")
}

// AllDownloadComplete matches every device's download report topic.
func (t Topics) AllDownloadComplete() string {
	return t.DownloadComplete("+")
}

// AllUpdateStatus matches every device's install report topic.
func (t Topics) AllUpdateStatus() string {
	return t.UpdateStatus("+")
}

// SystemStatus returns the manager status topic.
func (Topics) SystemStatus() string {
	return TopicSystemStatus
}

// Inbound returns the subscription pattern for each inbound kind.
func (t Topics) Inbound() map[MessageKind]string {
	return map[MessageKind]string{
		KindHeartbeat:        t.AllHeartbeats(),
		KindDownloadComplete: t.AllDownloadComplete(),
		KindUpdateStatus:     t.AllUpdateStatus(),
	}
}

// ParseDeviceTopic splits an inbound device topic into its kind and the
// secret in its last segment. ok is false for anything else, including a
// topic with an empty or multi-segment secret.
func (Topics) ParseDeviceTopic(topic string) (kind MessageKind, secret string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixDevices+"/")
	if !found {
		return "", "", false
	}

	switch {
	case strings.HasPrefix(rest, "heartbeat/"):
		kind, secret = KindHeartbeat, strings.TrimPrefix(rest, "heartbeat/")
	case strings.HasPrefix(rest, "download/complete/"):
		kind, secret = KindDownloadComplete, strings.TrimPrefix(rest, "download/complete/")
	case strings.HasPrefix(rest, "update_status/"):
		kind, secret = KindUpdateStatus, strings.TrimPrefix(rest, "update_status/")
	default:
		return "", "", false
	}

	if secret == "" || strings.Contains(secret, "/") {
		return "", "", false
	}
	return kind, secret, true
}
