package command

// Correlated is the prefix every command carries: the issuing client and the
// correlation id its response will name.
type Correlated struct {
	ClientID      int64
	CorrelationID int64
}

// PublicationMessage requests a publication (shared or exclusive by type id).
type PublicationMessage struct {
	Correlated
	StreamID int32
	Channel  string
}

// Encode serialises the message for the command ring.
func (m *PublicationMessage) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	w.int64(m.CorrelationID)
	w.int32(m.StreamID)
	w.bytes([]byte(m.Channel))
	return w.buf
}

// Decode parses the message from ring payload bytes.
func (m *PublicationMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	m.CorrelationID = r.int64()
	m.StreamID = r.int32()
	m.Channel = r.string()
	return r.err
}

// SubscriptionMessage requests a subscription.
type SubscriptionMessage struct {
	Correlated
	StreamID int32
	Channel  string
}

func (m *SubscriptionMessage) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	w.int64(m.CorrelationID)
	w.int32(m.StreamID)
	w.bytes([]byte(m.Channel))
	return w.buf
}

func (m *SubscriptionMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	m.CorrelationID = r.int64()
	m.StreamID = r.int32()
	m.Channel = r.string()
	return r.err
}

// RemoveMessage removes a publication, subscription, or counter by its
// registration id.
type RemoveMessage struct {
	Correlated
	RegistrationID int64
}

func (m *RemoveMessage) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	w.int64(m.CorrelationID)
	w.int64(m.RegistrationID)
	return w.buf
}

func (m *RemoveMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	m.CorrelationID = r.int64()
	m.RegistrationID = r.int64()
	return r.err
}

// DestinationMessage adds or removes a destination on a manual-MDC publication.
type DestinationMessage struct {
	Correlated
	RegistrationID int64
	Channel        string
}

func (m *DestinationMessage) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	w.int64(m.CorrelationID)
	w.int64(m.RegistrationID)
	w.bytes([]byte(m.Channel))
	return w.buf
}

func (m *DestinationMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	m.CorrelationID = r.int64()
	m.RegistrationID = r.int64()
	m.Channel = r.string()
	return r.err
}

// CounterMessage requests an application counter.
type CounterMessage struct {
	Correlated
	TypeID int32
	Key    []byte
	Label  string
}

func (m *CounterMessage) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	w.int64(m.CorrelationID)
	w.int32(m.TypeID)
	w.bytes(m.Key)
	w.bytes([]byte(m.Label))
	return w.buf
}

func (m *CounterMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	m.CorrelationID = r.int64()
	m.TypeID = r.int32()
	m.Key = r.bytes()
	m.Label = r.string()
	return r.err
}

// CorrelatedMessage is the bare keepalive/close form.
type CorrelatedMessage struct {
	Correlated
}

func (m *CorrelatedMessage) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	w.int64(m.CorrelationID)
	return w.buf
}

func (m *CorrelatedMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	m.CorrelationID = r.int64()
	return r.err
}

// TerminateDriverMessage requests driver shutdown, gated on a token.
type TerminateDriverMessage struct {
	Correlated
	Token []byte
}

func (m *TerminateDriverMessage) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	w.int64(m.CorrelationID)
	w.bytes(m.Token)
	return w.buf
}

func (m *TerminateDriverMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	m.CorrelationID = r.int64()
	m.Token = r.bytes()
	return r.err
}
