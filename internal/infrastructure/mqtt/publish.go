package mqtt

import (
	"encoding/json"
	"fmt"
)

// maxPayloadSize caps outbound messages at 1MB.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits up to defaultPublishTimeout for
// the broker to acknowledge it (QoS 1 and 2).
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it without the retain flag.
func (c *Client) PublishJSON(topic string, v any, qos byte) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublishFailed, err)
	}
	return c.Publish(topic, payload, qos, false)
}
