package mcp

import "time"

// Option customizes a Server.
type Option func(*Server)

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPollInterval overrides how long the loop waits for input before probing
// the output stream.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithChunkSize overrides the size of individual reads from the input.
func WithChunkSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithRecorder sets a sink for per-request metrics.
func WithRecorder(r Recorder) Option {
	return func(s *Server) {
		if r != nil {
			s.recorder = r
		}
	}
}
