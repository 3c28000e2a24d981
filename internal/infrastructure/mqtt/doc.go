// Package mqtt connects the firmware manager to the MQTT broker its ESP
// devices talk to.
//
// The package manages:
//   - Connection to the broker with automatic reconnect
//   - Publishing with a bounded wait for acknowledgement
//   - Subscriptions that survive reconnects
//   - A retained status topic with a Last Will so operators can see when
//     the manager drops off the bus
//
// Devices publish on topics carrying their secret as the last segment:
//
//	devices/heartbeat/{secret}
//	devices/download/complete/{secret}
//	devices/update_status/{secret}
//
// and receive update commands on devices/command/{secret}/update.
// Topics builds and parses these names.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllHeartbeats(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
