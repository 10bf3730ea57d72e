// Package eventstream implements the binary framing spoken on the nucleus IPC
// socket. Every frame carries a 12 byte prelude, a block of typed headers, an
// opaque payload (JSON for every message this module sends) and a trailing
// CRC32 covering everything before it.
//
//	+-------------+--------------+-----------+---------+----------+---------+
//	| total u32   | headers u32  | crc32 u32 | headers | payload  | crc32   |
//	+-------------+--------------+-----------+---------+----------+---------+
//
// Three headers are mandatory on every message: ":message-type",
// ":message-flags" and ":stream-id". Message exposes typed accessors for them
// and NewMessage sets all three.
//
// The package is transport agnostic: ReadMessage and WriteMessage operate on
// any io.Reader / io.Writer, and the rpc package layers connection handling
// and stream multiplexing on top.
package eventstream
