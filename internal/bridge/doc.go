// Package bridge connects devices on the MQTT broker to the update
// orchestrator.
//
// Inbound, it subscribes to the heartbeat, download-complete and
// update-status topics of every device, decodes each payload into an
// ota event and hands it to an EventHandler. Outbound, it publishes
// update commands on the device's command topic.
//
// Topic layout ({secret} is the device's shared secret):
//
//	devices/heartbeat/{secret}          device -> manager
//	devices/download/complete/{secret}  device -> manager
//	devices/update_status/{secret}      device -> manager
//	devices/command/{secret}/update     manager -> device
//
// Events for the same device are handled in arrival order by a worker
// that lives only while the device has events queued. Different devices
// never wait on each other; a device that floods its queue loses its own
// excess events.
package bridge
