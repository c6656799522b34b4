package mqtt

import "errors"

// Sentinel errors for MQTT operations.
// Callers match these with errors.Is.
var (
	// ErrNotConnected indicates the client is not connected to the broker.
	ErrNotConnected = errors.New("mqtt client not connected")

	// ErrConnectionFailed indicates the initial broker connection failed.
	ErrConnectionFailed = errors.New("mqtt connection failed")

	// ErrPublishFailed indicates a publish operation failed.
	ErrPublishFailed = errors.New("mqtt publish failed")

	// ErrSubscribeFailed indicates a subscribe operation failed.
	ErrSubscribeFailed = errors.New("mqtt subscribe failed")

	// ErrInvalidQoS indicates a QoS level outside 0..2.
	ErrInvalidQoS = errors.New("invalid qos level")

	// ErrInvalidTopic indicates an empty or malformed topic.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrMalformedPush indicates a push payload that failed to decode.
	ErrMalformedPush = errors.New("malformed push payload")
)
