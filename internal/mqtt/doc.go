// Package mqtt connects the bridge to an MQTT broker. It publishes NINA
// device state and images as retained topics, per-device and bridge
// availability, minimal Home Assistant discovery configs and bridge
// diagnostics, and it accepts write commands on the command topic.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes the bridge birth message ("ON") and
// re-subscribes to the command filter; device discovery is republished
// lazily the first time each topic is written on the new session. A
// will message flips the bridge availability to "OFF" on unexpected
// disconnects.
package mqtt
