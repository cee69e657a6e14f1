package mcp

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Capabilities are the feature flags the server supports internally. Sampling
// and prompts are not implemented and therefore have no flag.
type Capabilities struct {
	Logging bool
	Tools   bool
}

// Session is the per-process protocol state. It is created once by Run and
// passed to every dispatch; only the loop goroutine touches it.
type Session struct {
	ID           string
	Initialized  bool
	Info         ServerInfo
	Capabilities Capabilities
	Instructions string

	// Client-declared state, replaced wholesale by every initialize.
	ClientCapabilities map[string]json.RawMessage
	ClientInfo         json.RawMessage
}

// NewSession creates a fresh session for the given server identity.
func NewSession(info ServerInfo, instructions string) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Info:         info,
		Capabilities: Capabilities{Logging: true, Tools: true},
		Instructions: instructions,
	}
}

// setClient records the client's declared capabilities and info, dropping
// whatever a previous initialize stored.
func (s *Session) setClient(capabilities, info json.RawMessage) {
	s.ClientCapabilities = Fields(capabilities)
	s.ClientInfo = nil
	if len(info) > 0 {
		s.ClientInfo = append(json.RawMessage(nil), info...)
	}
	s.Initialized = true
}

func (s *Session) clientSupports(capability string) bool {
	if s.ClientCapabilities == nil {
		return false
	}
	_, ok := s.ClientCapabilities[capability]
	return ok
}

func (s *Session) serverSupports(capability string) bool {
	switch capability {
	case "logging":
		return s.Capabilities.Logging
	case "tools":
		return s.Capabilities.Tools
	default:
		return false
	}
}

// clientMustSupport fails methods that need a capability the client did not
// declare at initialize.
func (s *Session) clientMustSupport(method string) *Error {
	switch method {
	case "sampling/createMessage":
		if !s.clientSupports("sampling") {
			return NewError(ErrCodeMethodNotFound, "Client does not support sampling")
		}
	case "roots/list":
		if !s.clientSupports("roots") {
			return NewError(ErrCodeMethodNotFound, "Client does not support listing roots")
		}
	}
	return nil
}

// serverMustSupport fails methods whose handler capability this server lacks.
func (s *Session) serverMustSupport(method string) *Error {
	var capability string
	switch {
	case method == "sampling/createMessage":
		capability = "sampling"
	case method == "logging/setLevel":
		capability = "logging"
	case strings.HasPrefix(method, "prompts/"):
		capability = "prompts"
	case strings.HasPrefix(method, "tools/"):
		capability = "tools"
	default:
		return nil
	}

	if !s.serverSupports(capability) {
		return NewError(ErrCodeMethodNotFound, "Server does not support "+capability)
	}
	return nil
}

// CheckCapabilities runs the client check, then the server check.
func (s *Session) CheckCapabilities(method string) *Error {
	if err := s.clientMustSupport(method); err != nil {
		return err
	}
	return s.serverMustSupport(method)
}
