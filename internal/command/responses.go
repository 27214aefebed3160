package command

// ErrorResponse reports a failed command with its correlation id.
type ErrorResponse struct {
	OffendingCorrelationID int64
	ErrorCode              int32
	Message                string
}

func (m *ErrorResponse) Encode() []byte {
	w := writer{}
	w.int64(m.OffendingCorrelationID)
	w.int32(m.ErrorCode)
	w.bytes([]byte(m.Message))
	return w.buf
}

func (m *ErrorResponse) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.OffendingCorrelationID = r.int64()
	m.ErrorCode = r.int32()
	m.Message = r.string()
	return r.err
}

// PublicationReady announces a publication's log buffer and counters.
type PublicationReady struct {
	CorrelationID    int64
	RegistrationID   int64
	SessionID        int32
	StreamID         int32
	PublisherLimitID int32
	ChannelStatusID  int32
	LogFileName      string
}

func (m *PublicationReady) Encode() []byte {
	w := writer{}
	w.int64(m.CorrelationID)
	w.int64(m.RegistrationID)
	w.int32(m.SessionID)
	w.int32(m.StreamID)
	w.int32(m.PublisherLimitID)
	w.int32(m.ChannelStatusID)
	w.bytes([]byte(m.LogFileName))
	return w.buf
}

func (m *PublicationReady) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.CorrelationID = r.int64()
	m.RegistrationID = r.int64()
	m.SessionID = r.int32()
	m.StreamID = r.int32()
	m.PublisherLimitID = r.int32()
	m.ChannelStatusID = r.int32()
	m.LogFileName = r.string()
	return r.err
}

// SubscriptionReady confirms a subscription registration.
type SubscriptionReady struct {
	CorrelationID   int64
	ChannelStatusID int32
}

func (m *SubscriptionReady) Encode() []byte {
	w := writer{}
	w.int64(m.CorrelationID)
	w.int32(m.ChannelStatusID)
	return w.buf
}

func (m *SubscriptionReady) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.CorrelationID = r.int64()
	m.ChannelStatusID = r.int32()
	return r.err
}

// ImageReady announces a new image to one matching subscription.
type ImageReady struct {
	CorrelationID        int64
	SessionID            int32
	StreamID             int32
	SubscriberRegID      int64
	SubscriberPositionID int32
	LogFileName          string
	SourceIdentity       string
}

func (m *ImageReady) Encode() []byte {
	w := writer{}
	w.int64(m.CorrelationID)
	w.int32(m.SessionID)
	w.int32(m.StreamID)
	w.int64(m.SubscriberRegID)
	w.int32(m.SubscriberPositionID)
	w.bytes([]byte(m.LogFileName))
	w.bytes([]byte(m.SourceIdentity))
	return w.buf
}

func (m *ImageReady) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.CorrelationID = r.int64()
	m.SessionID = r.int32()
	m.StreamID = r.int32()
	m.SubscriberRegID = r.int64()
	m.SubscriberPositionID = r.int32()
	m.LogFileName = r.string()
	m.SourceIdentity = r.string()
	return r.err
}

// ImageMessage announces an image becoming unavailable to a subscription.
type ImageMessage struct {
	CorrelationID   int64
	SubscriberRegID int64
	StreamID        int32
	Channel         string
}

func (m *ImageMessage) Encode() []byte {
	w := writer{}
	w.int64(m.CorrelationID)
	w.int64(m.SubscriberRegID)
	w.int32(m.StreamID)
	w.bytes([]byte(m.Channel))
	return w.buf
}

func (m *ImageMessage) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.CorrelationID = r.int64()
	m.SubscriberRegID = r.int64()
	m.StreamID = r.int32()
	m.Channel = r.string()
	return r.err
}

// OperationSucceeded acknowledges a command with no further payload.
type OperationSucceeded struct {
	CorrelationID int64
}

func (m *OperationSucceeded) Encode() []byte {
	w := writer{}
	w.int64(m.CorrelationID)
	return w.buf
}

func (m *OperationSucceeded) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.CorrelationID = r.int64()
	return r.err
}

// CounterUpdate announces a counter becoming ready or unavailable.
type CounterUpdate struct {
	CorrelationID int64
	CounterID     int32
}

func (m *CounterUpdate) Encode() []byte {
	w := writer{}
	w.int64(m.CorrelationID)
	w.int32(m.CounterID)
	return w.buf
}

func (m *CounterUpdate) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.CorrelationID = r.int64()
	m.CounterID = r.int32()
	return r.err
}

// ClientTimeout notifies observers that a client was reaped.
type ClientTimeout struct {
	ClientID int64
}

func (m *ClientTimeout) Encode() []byte {
	w := writer{}
	w.int64(m.ClientID)
	return w.buf
}

func (m *ClientTimeout) Decode(buf []byte) error {
	r := reader{buf: buf}
	m.ClientID = r.int64()
	return r.err
}
