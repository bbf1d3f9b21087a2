// Package session owns the connection: one duplex stream carrying
// event-tagged requests and replies in both directions.
//
// Ownership boundary:
// - connection lifecycle and state machine
// - the single writer queue and the read/decode loop
// - request futures (Call) and timeout sweeping
// - accept loop and dial helpers that hand out Conns
//
// Framing lives in protocol/frame and protocol/message; pairing of replies
// with requests in protocol/correlation; handler routing in protocol/dispatch.
package session
