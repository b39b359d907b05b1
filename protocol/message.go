package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ControlPort is the well-known TCP port carrying protocol frames.
const ControlPort = 7835

// Messages are single-key JSON objects ({"Hello":1234}); the tagging scheme
// is wire contract, existing deployments break on any other encoding.

// ClientMessage is a tagged union of the frames a client may send. Exactly
// one field is non-nil.
type ClientMessage struct {
	// Authenticate carries either an HMAC tag answering a Challenge or an
	// opaque managed key (sk_/tk_ prefixed).
	Authenticate *string
	// Hello requests a public port, 0 means any port in the server's range.
	Hello *uint16
	// Accept marks this connection as the consumer of a parked public stream.
	Accept *uuid.UUID
}

// ServerMessage is a tagged union of the frames a server may send.
type ServerMessage struct {
	Challenge  *uuid.UUID
	Hello      *uint16
	Connection *uuid.UUID
	Heartbeat  bool
	Error      *string
}

func ClientAuthenticate(tag string) *ClientMessage { return &ClientMessage{Authenticate: &tag} }
func ClientHello(port uint16) *ClientMessage       { return &ClientMessage{Hello: &port} }
func ClientAccept(id uuid.UUID) *ClientMessage     { return &ClientMessage{Accept: &id} }

func ServerChallenge(nonce uuid.UUID) *ServerMessage { return &ServerMessage{Challenge: &nonce} }
func ServerHello(port uint16) *ServerMessage         { return &ServerMessage{Hello: &port} }
func ServerConnection(id uuid.UUID) *ServerMessage   { return &ServerMessage{Connection: &id} }
func ServerHeartbeat() *ServerMessage                { return &ServerMessage{Heartbeat: true} }
func ServerError(message string) *ServerMessage      { return &ServerMessage{Error: &message} }

func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Authenticate != nil:
		return json.Marshal(map[string]string{"Authenticate": *m.Authenticate})
	case m.Hello != nil:
		return json.Marshal(map[string]uint16{"Hello": *m.Hello})
	case m.Accept != nil:
		return json.Marshal(map[string]uuid.UUID{"Accept": *m.Accept})
	}
	return nil, errors.New("client message has no variant set")
}

func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return errors.New("message must carry exactly one variant")
	}
	for tag, body := range raw {
		switch tag {
		case "Authenticate":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return err
			}
			m.Authenticate = &s
		case "Hello":
			var p uint16
			if err := json.Unmarshal(body, &p); err != nil {
				return err
			}
			m.Hello = &p
		case "Accept":
			var id uuid.UUID
			if err := json.Unmarshal(body, &id); err != nil {
				return err
			}
			m.Accept = &id
		default:
			return errors.Errorf("unknown client message variant %q", tag)
		}
	}
	return nil
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Challenge != nil:
		return json.Marshal(map[string]uuid.UUID{"Challenge": *m.Challenge})
	case m.Hello != nil:
		return json.Marshal(map[string]uint16{"Hello": *m.Hello})
	case m.Connection != nil:
		return json.Marshal(map[string]uuid.UUID{"Connection": *m.Connection})
	case m.Heartbeat:
		return []byte(`{"Heartbeat":null}`), nil
	case m.Error != nil:
		return json.Marshal(map[string]string{"Error": *m.Error})
	}
	return nil, errors.New("server message has no variant set")
}

func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return errors.New("message must carry exactly one variant")
	}
	for tag, body := range raw {
		switch tag {
		case "Challenge":
			var id uuid.UUID
			if err := json.Unmarshal(body, &id); err != nil {
				return err
			}
			m.Challenge = &id
		case "Hello":
			var p uint16
			if err := json.Unmarshal(body, &p); err != nil {
				return err
			}
			m.Hello = &p
		case "Connection":
			var id uuid.UUID
			if err := json.Unmarshal(body, &id); err != nil {
				return err
			}
			m.Connection = &id
		case "Heartbeat":
			m.Heartbeat = true
		case "Error":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return err
			}
			m.Error = &s
		default:
			return errors.Errorf("unknown server message variant %q", tag)
		}
	}
	return nil
}
