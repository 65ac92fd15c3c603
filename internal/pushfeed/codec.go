package pushfeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type frameKind int

const (
	frameIgnore frameKind = iota
	frameEvent
	frameOpen
	framePing
	frameClose
)

// frame is one decoded text message. For frameEvent, event may be empty
// when the payload arrived as a bare record with no envelope.
type frame struct {
	kind  frameKind
	event string
	data  json.RawMessage
	reply string
}

var errMalformed = errors.New("malformed frame")

// decodeFrame accepts two framings on the same socket: a JSON envelope
// {"event"|"type": name, "data": payload}, and Engine.IO v4 packets
// carrying Socket.IO v5 messages.
func decodeFrame(msg []byte) (frame, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return frame{}, fmt.Errorf("%w: empty", errMalformed)
	}
	if msg[0] == '{' {
		return decodeEnvelope(msg)
	}
	return decodeEngineIO(msg)
}

type envelope struct {
	Event string          `json:"event"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

func decodeEnvelope(msg []byte) (frame, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	name := env.Event
	if name == "" {
		name = env.Type
	}
	if name == "" && len(env.Data) == 0 {
		// A bare record.
		return frame{kind: frameEvent, data: json.RawMessage(msg)}, nil
	}
	return frame{kind: frameEvent, event: name, data: env.Data}, nil
}

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

func decodeEngineIO(msg []byte) (frame, error) {
	switch msg[0] {
	case eioOpen:
		return frame{kind: frameOpen, reply: string([]byte{eioMessage, sioConnect})}, nil
	case eioClose:
		return frame{kind: frameClose}, nil
	case eioPing:
		return frame{kind: framePing, reply: string(eioPong) + string(msg[1:])}, nil
	case eioPong, eioNoop:
		return frame{kind: frameIgnore}, nil
	case eioMessage:
		return decodeSocketIO(msg[1:])
	default:
		return frame{}, fmt.Errorf("%w: unknown packet type %q", errMalformed, msg[0])
	}
}

func decodeSocketIO(msg []byte) (frame, error) {
	if len(msg) == 0 {
		return frame{}, fmt.Errorf("%w: empty message packet", errMalformed)
	}
	switch msg[0] {
	case sioConnect:
		return frame{kind: frameIgnore}, nil
	case sioDisconnect:
		return frame{kind: frameClose}, nil
	case sioConnectError:
		return frame{kind: frameClose, data: json.RawMessage(msg[1:])}, nil
	case sioEvent:
	default:
		return frame{kind: frameIgnore}, nil
	}

	body := msg[1:]
	// Optional namespace: "/admin,".
	if len(body) > 0 && body[0] == '/' {
		i := bytes.IndexByte(body, ',')
		if i < 0 {
			return frame{}, fmt.Errorf("%w: unterminated namespace", errMalformed)
		}
		body = body[i+1:]
	}
	// Optional ack id.
	for len(body) > 0 && body[0] >= '0' && body[0] <= '9' {
		body = body[1:]
	}

	var args []json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(args) == 0 {
		return frame{}, fmt.Errorf("%w: event without name", errMalformed)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return frame{}, fmt.Errorf("%w: event name: %v", errMalformed, err)
	}
	f := frame{kind: frameEvent, event: name}
	if len(args) > 1 {
		f.data = args[1]
	}
	return f, nil
}
