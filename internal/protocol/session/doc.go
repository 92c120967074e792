// Package session owns the peerlink session wire helpers.
//
// Ownership boundary:
// - register/connect handshake messages and their acks
// - group init, peer introduction and disconnect control messages
// - sealed envelopes for control traffic after key agreement
// - reliability defaults, retry backoff and transport security validation
//
// Every message is a frame whose payload is a TLV field list validated by
// the schema package before encode and after decode.
package session
