// Package mqtt bridges turn events onto an MQTT broker.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic and a retained info document describing the
// build. A will message moves the availability topic to "offline" on
// unexpected disconnects.
//
// Each completed turn is published as JSON to <prefix>/turns, and the
// running count of turns for the local day is kept retained on
// <prefix>/turns_today.
package mqtt
