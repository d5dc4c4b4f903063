package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCMS16LE = "pcm_s16le"
)

// Client message types.
const (
	TypeCreateSession  = "create_session"
	TypeEndSession     = "end_session"
	TypeAudioChunk     = "audio_chunk"
	TypeTextMessage    = "text_message"
	TypeInterruption   = "interruption"
	TypeAudioStreamEnd = "audio_stream_end"
)

// Server-only message types.
const (
	TypeSessionCreated  = "session_created"
	TypeSessionEnded    = "session_ended"
	TypeTranscriptEntry = "transcript_entry"
	TypeError           = "error"
	TypeWarning         = "warning"
)

// Error kinds carried by ServerError.Kind.
const (
	KindBadRequest       = "bad_request"
	KindUnsupported      = "unsupported"
	KindUnknownMode      = "unknown_mode"
	KindEngineOpen       = "engine_open"
	KindEngineSession    = "engine_session"
	KindTransport        = "transport"
	KindHandshakeTimeout = "handshake_timeout"
	KindSessionTimeout   = "session_timeout"
	KindInternal         = "internal"
	KindAtCapacity       = "at_capacity"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: KindBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: KindUnsupported, Message: message, Param: param}
}

// AudioFormat describes the fixed wire audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type ClientCreateSession struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

type ClientEndSession struct {
	Type string `json:"type"`
}

type ClientAudioChunk struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// Decode returns the raw PCM payload.
func (m ClientAudioChunk) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.DataB64)
	if err != nil {
		return nil, badRequest("audio_chunk.data_b64 is not valid base64", "data_b64")
	}
	return data, nil
}

type ClientTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientInterruption struct {
	Type        string `json:"type"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type ClientAudioStreamEnd struct {
	Type string `json:"type"`
}

func DecodeClientMessage(data []byte) (any, error) {
	typ, err := decodeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeCreateSession:
		var msg ClientCreateSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid create_session", "")
		}
		msg.Mode = strings.TrimSpace(msg.Mode)
		if msg.Mode == "" {
			return nil, badRequest("create_session.mode is required", "mode")
		}
		return msg, nil
	case TypeEndSession:
		var msg ClientEndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_session", "")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk.data_b64 is required", "data_b64")
		}
		if msg.Seq < 0 {
			return nil, badRequest("audio_chunk.seq must be >= 0", "seq")
		}
		return msg, nil
	case TypeTextMessage:
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_message", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_message.text is required", "text")
		}
		return msg, nil
	case TypeInterruption:
		var msg ClientInterruption
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interruption", "")
		}
		if msg.TimestampMS < 0 {
			return nil, badRequest("interruption.timestamp_ms must be >= 0", "timestamp_ms")
		}
		return msg, nil
	case TypeAudioStreamEnd:
		var msg ClientAudioStreamEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_stream_end", "")
		}
		return msg, nil
	case TypeSessionCreated, TypeSessionEnded, TypeTranscriptEntry, TypeError, TypeWarning:
		return nil, unsupported("server message type sent by client", "type")
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func decodeType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}

type ServerSessionCreated struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Mode      string      `json:"mode"`
	AudioIn   AudioFormat `json:"audio_in"`
	AudioOut  AudioFormat `json:"audio_out"`
}

type ServerSessionEnded struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ServerAudioChunk carries agent audio. TurnID lets the client discard late
// chunks of a turn it has already interrupted.
type ServerAudioChunk struct {
	Type    string `json:"type"`
	TurnID  int64  `json:"turn_id"`
	Seq     int64  `json:"seq"`
	DataB64 string `json:"data_b64"`
}

func (m ServerAudioChunk) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.DataB64)
	if err != nil {
		return nil, badRequest("audio_chunk.data_b64 is not valid base64", "data_b64")
	}
	return data, nil
}

type ServerTextMessage struct {
	Type   string `json:"type"`
	TurnID int64  `json:"turn_id"`
	Text   string `json:"text"`
}

// ServerInterruption tells the client to discard all playback of TurnID.
type ServerInterruption struct {
	Type        string `json:"type"`
	TurnID      int64  `json:"turn_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	Reason      string `json:"reason,omitempty"`
}

type ServerTranscriptEntry struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Sequence  int64  `json:"sequence"`
	CreatedAt string `json:"created_at"`
}

type ServerError struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeServerMessage is the client-side counterpart of DecodeClientMessage.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := decodeType(data)
	if err != nil {
		return nil, err
	}

	var msg any
	switch typ {
	case TypeSessionCreated:
		msg = &ServerSessionCreated{}
	case TypeSessionEnded:
		msg = &ServerSessionEnded{}
	case TypeAudioChunk:
		msg = &ServerAudioChunk{}
	case TypeTextMessage:
		msg = &ServerTextMessage{}
	case TypeInterruption:
		msg = &ServerInterruption{}
	case TypeTranscriptEntry:
		msg = &ServerTranscriptEntry{}
	case TypeError:
		msg = &ServerError{}
	case TypeWarning:
		msg = &ServerWarning{}
	default:
		return nil, unsupported("unsupported server message type", "type")
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, badRequest("invalid "+typ, "")
	}

	switch m := msg.(type) {
	case *ServerSessionCreated:
		return *m, nil
	case *ServerSessionEnded:
		return *m, nil
	case *ServerAudioChunk:
		return *m, nil
	case *ServerTextMessage:
		return *m, nil
	case *ServerInterruption:
		return *m, nil
	case *ServerTranscriptEntry:
		return *m, nil
	case *ServerError:
		return *m, nil
	case *ServerWarning:
		return *m, nil
	}
	return msg, nil
}
