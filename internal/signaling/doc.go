// Package signaling implements the WebSocket upgrade gateway and the
// room-scoped relay loop for WebRTC session negotiation.
//
// Messages are opaque to the relay: offers, answers and ICE candidates pass
// through verbatim and are never parsed.
package signaling
