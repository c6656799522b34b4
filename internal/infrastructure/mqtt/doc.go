// Package mqtt is MACO's push channel between authority and terminals.
//
// It wraps eclipse/paho.mqtt.golang with automatic reconnection,
// subscription restoration, and a retained per-client status topic with
// a Last Will for crash visibility.
//
// Session lifecycle notifications flow over two topics: the authority
// publishes new grants on maco/sessions/new and force-closes on
// maco/sessions/closed. Typed helpers (PublishNewSession,
// SubscribeSessionClosed, ...) handle the JSON payloads.
package mqtt
