// Package firmware stores uploaded firmware binaries and their metadata.
//
// Each upload targets exactly one device. Several uploads may target the
// same device; the most recent one is the pending firmware offered to it.
// Binaries are written under a filename that embeds the device ID, the
// version and a random token, and are served back to devices through the
// public path configured for the HTTP surface.
//
// The Store keeps the device's update flag in step with the artifacts: a
// save marks the device pending and removing its last artifact marks it up
// to date. It reaches the registry only through the DeviceMarker interface.
package firmware
