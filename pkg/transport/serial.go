package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// SerialStream is a Stream backed by a UART, used on benches where the
// peripheral is wired in directly rather than connected over BLE. Its
// read-loop shape (open port, spawn a byte-at-a-time reader, shut down
// via stopChan/WaitGroup) mirrors the teacher's pkg/usock.USOCK, minus
// usock's own higher-level sync/CRC16 framing — that job belongs to
// pkg/reliability here.
type SerialStream struct {
	port     *serial.Port
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// OpenSerial implements Opener over github.com/tarm/serial.
func OpenSerial(baud int) Opener {
	return func(ctx context.Context, devicePath string, handler ByteHandler) (Stream, error) {
		cfg := &serial.Config{
			Name:        devicePath,
			Baud:        baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: 0,
		}
		port, err := serial.OpenPort(cfg)
		if err != nil {
			return nil, fmt.Errorf("transport: open %s: %w", devicePath, err)
		}

		s := &SerialStream{port: port, stopChan: make(chan struct{})}
		s.wg.Add(1)
		go s.readLoop(handler)
		return s, nil
	}
}

func (s *SerialStream) readLoop(handler ByteHandler) {
	defer s.wg.Done()
	buf := make([]byte, 1)
	for {
		select {
		case <-s.stopChan:
			return
		default:
			n, err := s.port.Read(buf)
			if err != nil {
				if err != io.EOF {
					log.Printf("transport: serial read error: %v", err)
					time.Sleep(10 * time.Millisecond)
				}
				continue
			}
			if n == 0 {
				continue
			}
			handler(buf[0])
		}
	}
}

// Write implements Stream.
func (s *SerialStream) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("transport: write on closed stream")
	}
	_, err := s.port.Write(data)
	return err
}

// Close implements Stream.
func (s *SerialStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	return s.port.Close()
}
