// Package wire owns the byte-level contract shared by the asset feed and
// test harness services.
//
// Ownership boundary:
// - exact-read framing primitives (u32, string, bytes)
// - reserved handshake/shutdown tokens
package wire
