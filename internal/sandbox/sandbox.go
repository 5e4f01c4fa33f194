// Package sandbox defines the sandbox entity shared by the orchestrator,
// backends, warm pool and garbage collector.
package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// State is the sandbox lifecycle state. Transitions are monotone except
// Warm->Ready and the Ready<->Running<->Idle oscillation; Draining and
// Destroyed are terminal.
type State string

const (
	StateWarm      State = "warm"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateIdle      State = "idle"
	StateDraining  State = "draining"
	StateDestroyed State = "destroyed"
)

// Terminal reports whether the state admits no further transitions besides
// destruction.
func (s State) Terminal() bool {
	return s == StateDraining || s == StateDestroyed
}

// Bound reports whether a conversation may reference a sandbox in this state.
func (s State) Bound() bool {
	return s == StateReady || s == StateRunning || s == StateIdle
}

// Endpoint addresses either a filesystem socket (daemon backend) or a
// host:port (runner backend).
type Endpoint struct {
	Socket string `json:"socket,omitempty"`
	Addr   string `json:"addr,omitempty"`
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Socket == "" && e.Addr == ""
}

func (e Endpoint) String() string {
	if e.Socket != "" {
		return "unix://" + e.Socket
	}
	return e.Addr
}

// BaseURL returns the URL base for HTTP requests to this endpoint. Socket
// endpoints use a placeholder host; the transport dials the socket.
func (e Endpoint) BaseURL() string {
	if e.Socket != "" {
		return "http://sandbox"
	}
	return "http://" + e.Addr
}

// Dial opens a raw connection to the endpoint. Used as the trivial
// reachability check after proxy start.
func (e Endpoint) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	if e.Socket != "" {
		return d.DialContext(ctx, "unix", e.Socket)
	}
	return d.DialContext(ctx, "tcp", e.Addr)
}

// HTTPClient returns a client that reaches the endpoint over the right
// transport. A zero timeout means no overall deadline (streaming callers
// bound the request with a context instead).
func (e Endpoint) HTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if e.Socket != "" {
		socket := e.Socket
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Sandbox is one container instance.
type Sandbox struct {
	ID             string    `json:"id"`
	BackendType    string    `json:"backend_type"`
	AgentEndpoint  Endpoint  `json:"agent_endpoint"`
	ProxyEndpoint  Endpoint  `json:"proxy_endpoint"`
	ConversationID string    `json:"conversation_id,omitempty"`
	TenantID       string    `json:"tenant_id,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`

	// ExternalID is the backend handle: the Docker container ID or the
	// task ARN. Distinct from ID, which is ours.
	ExternalID string `json:"external_id,omitempty"`
}

// Touch updates the activity timestamp.
func (s *Sandbox) Touch() {
	s.LastActiveAt = time.Now().UTC()
}

// ShortID returns the first 12 characters of the sandbox ID for logs.
func (s *Sandbox) ShortID() string {
	if len(s.ID) > 12 {
		return s.ID[:12]
	}
	return s.ID
}

// ExecuteRequest is the request shape forwarded to the sandbox agent.
type ExecuteRequest struct {
	ConversationID   string   `json:"conversation_id"`
	TenantID         string   `json:"tenant_id"`
	ModelID          string   `json:"model_id"`
	WorkspaceEnabled bool     `json:"workspace_enabled"`
	UserInput        string   `json:"user_input"`
	Executor         string   `json:"executor,omitempty"`
	PreferredSkills  []string `json:"preferred_skills,omitempty"`
}

// Validate checks the request for the fields every execute call requires.
func (r *ExecuteRequest) Validate() error {
	if r.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	return nil
}
