// Package events publishes turn lifecycle events to an MQTT broker so
// dashboards and automations can follow conversations without polling
// the HTTP API. Publishing is best effort: a slow or absent broker never
// delays or fails a turn.
//
// Topics, with <device> from mqtt.device_name:
//
//	parley/<device>/availability  "online" / "offline" (retained, LWT)
//	parley/<device>/turns         one JSON TurnEvent per completed turn
package events
