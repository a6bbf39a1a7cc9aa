// Package server implements the websocket relay behind hype-chat.
//
// Each websocket connection is registered with a Hub, which keeps the set of
// live connections and sends every connection the full roster of identified
// users whenever that set changes. Inbound frames are persisted through a
// store.MessageStore and relayed to every live connection of the recipient.
// A per-connection Heartbeat pings the peer and evicts it when a pong does
// not arrive in time.
package server
