// Package protocol groups the wire contract for event-tagged messaging.
//
// Ownership boundary:
// - frame: length-prefixed byte framing
// - message: message model, body encodings and stream decoding
// - correlation: pairing replies with outstanding requests
// - dispatch: routing inbound messages to handlers or the tracker
// - session: the connection that ties the above to one duplex stream
package protocol
