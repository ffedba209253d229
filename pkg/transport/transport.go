// Package transport abstracts a peripheral's BLE characteristic as a
// plain byte stream: write bytes out, receive a callback per byte in.
// pkg/reliability sits on top of this and does all framing; transport
// itself knows nothing about packet boundaries (spec §4.1, §4.6).
package transport

import "context"

// Stream is the byte-stream abstraction a Session drives. A BLE central
// role exposes characteristic writes/notifications through this shape
// just as readily as a UART does, so the serial implementation below
// doubles as a wired-bench stand-in for real BLE hardware.
type Stream interface {
	// Write sends raw bytes to the peripheral.
	Write(data []byte) error
	// Close releases the underlying transport and stops delivering
	// bytes to the handler.
	Close() error
}

// ByteHandler receives each byte read from the stream, in order.
type ByteHandler func(b byte)

// Opener constructs a Stream for a single peripheral address (MAC, or
// device path for the serial stand-in) and begins delivering received
// bytes to handler immediately.
type Opener func(ctx context.Context, addr string, handler ByteHandler) (Stream, error)
