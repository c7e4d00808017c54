package amqp

import (
	"encoding/base64"
)

// saslCode is RFC 4422's sasl-code: the outcome of a SASL negotiation.
type saslCode uint8

const (
	codeSASLOK      saslCode = iota // authentication succeeded
	codeSASLAuth                    // authentication failed due to bad credentials
	codeSASLSys                     // authentication failed due to a system error
	codeSASLSysPerm                 // system error unlikely to be corrected without intervention
	codeSASLSysTemp                 // transient system error
)

func (c saslCode) marshal(wr writer) error {
	return marshal(wr, uint8(c))
}

func (c *saslCode) unmarshal(r reader) error {
	var n uint8
	_, err := unmarshal(r, &n)
	*c = saslCode(n)
	return err
}

const (
	saslMechanismPLAIN     symbol = "PLAIN"
	saslMechanismANONYMOUS symbol = "ANONYMOUS"
	saslMechanismXOAUTH2   symbol = "XOAUTH2"
)

// saslMechanism drives one SASL mechanism's client side. init returns the
// bytes to send as saslInit's initial-response. step answers a saslChallenge
// the server sends back; PLAIN and ANONYMOUS never see one (they complete in
// a single round trip), XOAUTH2 may see one carrying a JSON error blob.
type saslMechanism interface {
	name() symbol
	init(hostname string) []byte
	step(challenge []byte) ([]byte, error)
}

// ConnSASLPlain enables the PLAIN SASL mechanism (RFC 4616).
func ConnSASLPlain(authzid, username, password string) ConnOption {
	return func(c *conn) error {
		return c.addSASLMechanism(&plainMechanism{authzid: authzid, username: username, password: password})
	}
}

// ConnSASLAnonymous enables the ANONYMOUS SASL mechanism.
func ConnSASLAnonymous() ConnOption {
	return func(c *conn) error {
		return c.addSASLMechanism(&anonymousMechanism{})
	}
}

// ConnSASLXOAUTH2 enables the XOAUTH2 SASL mechanism, exchanging a username
// and OAuth2 bearer token per Google's XOAUTH2 SASL extension.
//
// maxFrameSizeOverride bounds the initial-response frame; 0 uses the
// connection's negotiated max frame size.
func ConnSASLXOAUTH2(username, bearer string, maxFrameSizeOverride uint32) ConnOption {
	return func(c *conn) error {
		resp, err := saslXOAUTH2InitialResponse(username, bearer)
		if err != nil {
			return err
		}
		limit := maxFrameSizeOverride
		if limit == 0 {
			limit = c.maxFrameSize
		}
		return c.addSASLMechanism(&xoauth2Mechanism{response: resp, maxLen: limit})
	}
}

func (c *conn) addSASLMechanism(m saslMechanism) error {
	if c.saslHandlers == nil {
		c.saslHandlers = make(map[symbol]saslMechanism)
	}
	c.saslHandlers[m.name()] = m
	return nil
}

// saslChallenge carries a mechanism-specific challenge from the server
// mid-negotiation.
type saslChallenge struct {
	Challenge []byte
}

func (sc saslChallenge) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSASLChallenge, []marshalField{
		{value: sc.Challenge, omit: false},
	}...)
}

func (sc *saslChallenge) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSASLChallenge, []unmarshalField{
		{field: &sc.Challenge, handleNull: required("saslChallenge.Challenge")},
	}...)
}

func (*saslChallenge) link() (uint32, bool) {
	return 0, false
}

// saslResponse answers a saslChallenge.
type saslResponse struct {
	Response []byte
}

func (sr saslResponse) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSASLResponse, []marshalField{
		{value: sr.Response, omit: false},
	}...)
}

func (sr *saslResponse) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSASLResponse, []unmarshalField{
		{field: &sr.Response, handleNull: required("saslResponse.Response")},
	}...)
}

func (*saslResponse) link() (uint32, bool) {
	return 0, false
}

type plainMechanism struct {
	authzid, username, password string
}

func (m *plainMechanism) name() symbol { return saslMechanismPLAIN }

func (m *plainMechanism) init(string) []byte {
	response := make([]byte, 0, len(m.authzid)+len(m.username)+len(m.password)+2)
	response = append(response, m.authzid...)
	response = append(response, 0)
	response = append(response, m.username...)
	response = append(response, 0)
	response = append(response, m.password...)
	return response
}

func (m *plainMechanism) step([]byte) ([]byte, error) {
	return nil, errorNew("sasl: PLAIN does not support challenge/response")
}

type anonymousMechanism struct{}

func (m *anonymousMechanism) name() symbol { return saslMechanismANONYMOUS }
func (m *anonymousMechanism) init(string) []byte { return nil }
func (m *anonymousMechanism) step([]byte) ([]byte, error) {
	return nil, errorNew("sasl: ANONYMOUS does not support challenge/response")
}

type xoauth2Mechanism struct {
	response []byte
	maxLen   uint32
}

func (m *xoauth2Mechanism) name() symbol { return saslMechanismXOAUTH2 }

func (m *xoauth2Mechanism) init(string) []byte {
	if m.maxLen > 0 && uint32(len(m.response)) > m.maxLen {
		return nil
	}
	return m.response
}

// step responds to the server's error challenge with an empty response,
// which causes the server to send the (failing) outcome.
func (m *xoauth2Mechanism) step([]byte) ([]byte, error) {
	return []byte{}, nil
}

// saslXOAUTH2InitialResponse builds the initial-response payload for
// Google's XOAUTH2 SASL mechanism. bearer must be non-empty and composed of
// RFC 6749 VSCHAR (\x20-\x7E); username may be empty but must not contain
// \x01, which would be interpreted as a field separator.
func saslXOAUTH2InitialResponse(username, bearer string) ([]byte, error) {
	if len(bearer) == 0 {
		return nil, errorNew("sasl: XOAUTH2 bearer token is empty")
	}
	for i := 0; i < len(bearer); i++ {
		if bearer[i] < 0x20 || bearer[i] > 0x7e {
			return nil, errorErrorf("sasl: XOAUTH2 bearer token contains illegal character %#x", bearer[i])
		}
	}
	for i := 0; i < len(username); i++ {
		if username[i] == 0x01 {
			return nil, errorNew("sasl: XOAUTH2 username may not contain \\x01")
		}
	}

	const ctrlA = "\x01"
	return []byte("user=" + username + ctrlA + "auth=Bearer " + bearer + ctrlA + ctrlA), nil
}

// xoauth2InitialResponseBase64 returns the wire-ready base64 form documented
// by Google's XOAUTH2 SASL mechanism.
func xoauth2InitialResponseBase64(username, bearer string) (string, error) {
	resp, err := saslXOAUTH2InitialResponse(username, bearer)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(resp), nil
}
