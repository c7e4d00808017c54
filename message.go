package amqp

// NewMessage returns a Message carrying data as its single data section.
func NewMessage(data []byte) *Message {
	return &Message{Data: data}
}

// GetData returns the data section payload, or nil if the message instead
// carries an AMQP value (see Value).
func (m *Message) GetData() []byte {
	return m.Data
}

// ContentType returns the content-type of a received message's properties,
// or the empty string if it has none.
func (m *Message) ContentType() string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties.ContentType
}

// WithProperties sets p as the message's Properties and returns m, for
// chaining into NewMessage call sites.
func (m *Message) WithProperties(p *MessageProperties) *Message {
	m.Properties = p
	return m
}

// WithApplicationProperty sets one application-property key/value pair and
// returns m, for chaining into NewMessage call sites.
func (m *Message) WithApplicationProperty(key string, value interface{}) *Message {
	if m.ApplicationProperties == nil {
		m.ApplicationProperties = make(map[string]interface{})
	}
	m.ApplicationProperties[key] = value
	return m
}
