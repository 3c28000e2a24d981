package device

import "time"

// UpdateStatus is the outcome of the most recent update attempt.
type UpdateStatus string

// Update status values.
const (
	// UpdateStatusNone means no firmware is waiting for the device.
	UpdateStatusNone UpdateStatus = "none"

	// UpdateStatusPending means firmware was uploaded and not yet installed.
	UpdateStatusPending UpdateStatus = "pending"

	// UpdateStatusSuccess means the device confirmed installing an update.
	UpdateStatusSuccess UpdateStatus = "success"

	// UpdateStatusFailed means the last attempt failed or timed out.
	UpdateStatusFailed UpdateStatus = "failed"
)

// ValidUpdateStatuses lists every accepted UpdateStatus.
var ValidUpdateStatuses = []UpdateStatus{
	UpdateStatusNone,
	UpdateStatusPending,
	UpdateStatusSuccess,
	UpdateStatusFailed,
}

// InitialVersion is the version a device reports before its first contact.
const InitialVersion = "0.0.0"

// Device is a registered board that can receive firmware.
//
// JSON field names match what panels and device firmware already speak,
// so the secret travels as "apiKey".
type Device struct {
	// ID is a UUID assigned at registration.
	ID string `json:"id"`

	// Name is the operator label; unique ignoring case and surrounding space.
	Name string `json:"name"`

	// Secret authenticates the device. Always DeriveSecret(Name).
	Secret string `json:"apiKey"`

	// CurrentVersion is the firmware version the device last reported.
	CurrentVersion string `json:"currentVersion"`

	// LastCheck is when the device last reported in.
	LastCheck *time.Time `json:"lastCheck,omitempty"`

	// IPAddress is the address the device last reported from.
	IPAddress string `json:"ipAddress,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`

	LastUpdateStatus UpdateStatus `json:"lastUpdateStatus"`
	LastUpdateDate   *time.Time   `json:"lastUpdateDate,omitempty"`

	// LastUpdateError holds the failure reason when LastUpdateStatus is failed.
	LastUpdateError string `json:"lastUpdateError,omitempty"`
}

// Clone returns a copy that shares no pointers with d.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.LastCheck = copyTime(d.LastCheck)
	c.LastUpdateDate = copyTime(d.LastUpdateDate)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
