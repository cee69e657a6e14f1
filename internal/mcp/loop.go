package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrOutputClosed is returned by Run when the peer stops reading responses.
var ErrOutputClosed = errors.New("output stream closed")

type chunk struct {
	data []byte
	err  error
}

// Run serves one peer until the input reaches EOF, the output fails or ctx is
// canceled. All protocol state lives on the calling goroutine; a helper
// goroutine only moves raw bytes from reader into the loop.
//
// Each iteration checks ctx first, then waits up to the poll interval for
// input. Without input the output is probed with an empty write so a vanished
// peer is noticed even when the client is idle. Every complete message in a
// chunk is answered, in order, before the next wait.
func (s *Server) Run(ctx context.Context, reader io.Reader, writer io.Writer) error {
	sess := NewSession(s.info, s.instructions)
	framer := NewFramer(DefaultFramerCapacity)

	chunks := make(chan chunk)
	done := make(chan struct{})
	defer close(done)
	go readChunks(reader, s.chunkSize, chunks, done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("MCP server started", "name", s.info.Name, "version", s.info.Version, "session", sess.ID)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("server shutting down")
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			s.logger.Info("server shutting down")
			return ctx.Err()

		case <-ticker.C:
			if _, err := writer.Write(nil); err != nil {
				s.logger.Info("client disconnected (output closed)", "error", err)
				return fmt.Errorf("%w: %v", ErrOutputClosed, err)
			}

		case c := <-chunks:
			if len(c.data) > 0 {
				framer.Append(c.data)
				if err := s.drain(ctx, sess, framer, writer); err != nil {
					return err
				}
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					s.logger.Info("end of input stream", "buffered", framer.Len())
					return nil
				}
				s.logger.Error("error reading input", "error", c.err)
				return fmt.Errorf("reading input: %w", c.err)
			}
		}
	}
}

// drain answers every complete message currently buffered.
func (s *Server) drain(ctx context.Context, sess *Session, framer *Framer, writer io.Writer) error {
	for {
		line, ok := framer.Next()
		if !ok {
			return nil
		}

		resp := s.processMessage(ctx, sess, line)
		if resp == nil {
			continue
		}

		s.logger.Debug("sending response", "raw", string(resp))

		// Response and newline go out in a single write.
		if _, err := writer.Write(append(resp, '\n')); err != nil {
			s.logger.Error("failed to write response", "error", err)
			return fmt.Errorf("%w: %v", ErrOutputClosed, err)
		}
	}
}

// processMessage decodes and handles one line. Malformed lines are logged and
// dropped without a response.
func (s *Server) processMessage(ctx context.Context, sess *Session, line []byte) []byte {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}

	s.logger.Debug("received request", "raw", string(line))

	req, err := DecodeRequest(line)
	if err != nil {
		s.logger.Warn("dropping malformed message", "error", err)
		return nil
	}

	return s.Handle(ctx, sess, req)
}

func readChunks(r io.Reader, size int, out chan<- chunk, done <-chan struct{}) {
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n == 0 && err == nil {
			continue
		}

		c := chunk{err: err}
		if n > 0 {
			c.data = append([]byte(nil), buf[:n]...)
		}

		select {
		case out <- c:
		case <-done:
			return
		}

		if err != nil {
			return
		}
	}
}
