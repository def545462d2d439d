package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Flow distinguishes a first connection from a reconnect of an existing
// mailbox
type Flow string

const (
	FlowConnect   Flow = "connect"
	FlowReconnect Flow = "reconnect"
)

// StateTTL bounds how long an authorization URL stays usable
const StateTTL = 15 * time.Minute

// State is the payload carried through the provider's consent screen
type State struct {
	WorkspaceID   int64
	AgentID       int64
	IntegrationID int64
	ConnectionID  int64
	Flow          Flow
}

// StateSigner signs and verifies OAuth state as a short-lived HS256 JWT
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateSigner creates a signer. A zero ttl uses StateTTL.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if secret == "" {
		return nil, errors.New("oauth state secret is empty")
	}
	if ttl <= 0 {
		ttl = StateTTL
	}
	return &StateSigner{key: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign encodes st
func (s *StateSigner) Sign(st State) (string, error) {
	if st.Flow == "" {
		st.Flow = FlowConnect
	}
	now := s.now()
	tok, err := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("workspace_id", st.WorkspaceID).
		Claim("agent_id", st.AgentID).
		Claim("integration_id", st.IntegrationID).
		Claim("connection_id", st.ConnectionID).
		Claim("flow", string(st.Flow)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build state: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return string(signed), nil
}

// Parse verifies raw and returns its payload. Any failure wraps
// ErrInvalidState.
func (s *StateSigner) Parse(raw string) (State, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	var st State
	if st.WorkspaceID, err = int64Claim(tok, "workspace_id"); err != nil {
		return State{}, err
	}
	if st.AgentID, err = int64Claim(tok, "agent_id"); err != nil {
		return State{}, err
	}
	if st.IntegrationID, err = int64Claim(tok, "integration_id"); err != nil {
		return State{}, err
	}
	if st.ConnectionID, err = int64Claim(tok, "connection_id"); err != nil {
		return State{}, err
	}
	flow, _ := tok.Get("flow")
	switch f, _ := flow.(string); Flow(f) {
	case FlowConnect, FlowReconnect:
		st.Flow = Flow(f)
	default:
		return State{}, fmt.Errorf("%w: unknown flow %q", ErrInvalidState, f)
	}
	if st.Flow == FlowReconnect && st.ConnectionID == 0 {
		return State{}, fmt.Errorf("%w: reconnect without connection", ErrInvalidState)
	}
	return st, nil
}

func int64Claim(tok jwt.Token, name string) (int64, error) {
	v, ok := tok.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidState, name)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidState, name, v)
	}
}
