package transport

import "sync"

// FakeStream is an in-process Stream used by reliability/session tests
// to drive both ends of a link without real hardware. Bytes written to
// one end appear, byte by byte, at the peer's handler.
type FakeStream struct {
	mu          sync.Mutex
	peerHandler ByteHandler
	closed      bool
	sent        [][]byte
}

// NewFakePair returns two connected FakeStreams: bytes written to a
// are delivered to bHandler, and vice versa.
func NewFakePair(aHandler, bHandler ByteHandler) (a, b *FakeStream) {
	a = &FakeStream{peerHandler: bHandler}
	b = &FakeStream{peerHandler: aHandler}
	return a, b
}

func (f *FakeStream) Write(data []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	handler := f.peerHandler
	f.mu.Unlock()

	if handler != nil {
		for _, b := range cp {
			handler(b)
		}
	}
	return nil
}

func (f *FakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// SentFrames returns every byte slice passed to Write, in order.
func (f *FakeStream) SentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}
