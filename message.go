package loom

import "fmt"

// PType identifies the kind of traffic a message carries. Values are
// stable: they travel in synthetic socket messages and in service
// type subscriptions.
type PType uint8

const (
	PTypeUnknown PType = iota
	PTypeSystem
	PTypeText
	PTypeShutdown
	PTypeError
	PTypeDebug
	PTypeTimer
	PTypeSocket
	PTypeSocketWS
)

func (t PType) String() string {
	switch t {
	case PTypeSystem:
		return "system"
	case PTypeText:
		return "text"
	case PTypeShutdown:
		return "shutdown"
	case PTypeError:
		return "error"
	case PTypeDebug:
		return "debug"
	case PTypeTimer:
		return "timer"
	case PTypeSocket:
		return "socket"
	case PTypeSocketWS:
		return "socket_ws"
	}
	return fmt.Sprintf("ptype(%d)", uint8(t))
}

// Socket message subtypes. Networking uses the Subtype field to tell
// the owning service what happened on a connection.
const (
	SubtypeData uint8 = iota + 1
	SubtypeConnect
	SubtypeAccept
	SubtypeClose
	SubtypeError
)

// Message is the unit of delivery between services. A message is owned
// by exactly one holder at a time: handing it to the router transfers
// ownership, and the payload buffer must not be touched afterwards.
type Message struct {
	Sender   uint32
	Receiver uint32
	Session  int32
	Type     PType
	Subtype  uint8
	Header   string
	Data     *Buffer

	// prefab ties the message to a cached buffer in the sending
	// worker; the owning worker releases it after dispatch.
	prefab uint32
}

// NewMessage returns a message whose payload buffer reserves the
// default head region for transport framing.
func NewMessage(capacity int) *Message {
	return &Message{Data: NewBuffer(capacity, defaultHeadReserve)}
}

// Payload returns the readable payload bytes, nil-safe.
func (m *Message) Payload() []byte {
	if m.Data == nil {
		return nil
	}
	return m.Data.Bytes()
}

// WriteString appends s to the payload, allocating the buffer if the
// message has none.
func (m *Message) WriteString(s string) {
	if m.Data == nil {
		m.Data = NewBuffer(len(s), defaultHeadReserve)
	}
	m.Data.WriteString(s)
}
