package amqp

import "github.com/pkg/errors"

// errorNew, errorErrorf, and errorWrapf give the codec and FSM files short,
// stable names for github.com/pkg/errors constructors so call sites read the
// same regardless of which error kind is in play.
func errorNew(msg string) error {
	return errors.New(msg)
}

func errorErrorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func errorWrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// ErrorCondition is the symbol carried in an AMQP Error record (spec section
// 6, external interfaces). Conditions are open-ended; the constants below
// are the ones this core produces itself plus the common ones a peer sends.
type errorCondition = ErrorCondition

const (
	ErrCondInternalError          ErrorCondition = "amqp:internal-error"
	ErrCondNotFound               ErrorCondition = "amqp:not-found"
	ErrCondUnauthorizedAccess     ErrorCondition = "amqp:unauthorized-access"
	ErrCondDecodeError            ErrorCondition = "amqp:decode-error"
	ErrCondResourceLimitExceeded  ErrorCondition = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed             ErrorCondition = "amqp:not-allowed"
	ErrCondInvalidField           ErrorCondition = "amqp:invalid-field"
	ErrCondNotImplemented         ErrorCondition = "amqp:not-implemented"
	ErrCondResourceLocked         ErrorCondition = "amqp:resource-locked"
	ErrCondPreconditionFailed     ErrorCondition = "amqp:precondition-failed"
	ErrCondResourceDeleted        ErrorCondition = "amqp:resource-deleted"
	ErrCondIllegalState           ErrorCondition = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall      ErrorCondition = "amqp:frame-size-too-small"
	ErrCondConnectionForced       ErrorCondition = "amqp:connection:forced"
	ErrCondConnectionFramingError ErrorCondition = "amqp:connection:framing-error"
	ErrCondConnectionRedirect     ErrorCondition = "amqp:connection:redirect"
	ErrCondSessionWindowViolation ErrorCondition = "amqp:session:window-violation"
	ErrCondSessionErrantLink      ErrorCondition = "amqp:session:errant-link"
	ErrCondSessionHandleInUse     ErrorCondition = "amqp:session:handle-in-use"
	ErrCondSessionUnattachedHndl  ErrorCondition = "amqp:session:unattached-handle"
	ErrCondLinkDetachForced       ErrorCondition = "amqp:link:detach-forced"
	ErrCondLinkTransferLimitExc   ErrorCondition = "amqp:link:transfer-limit-exceeded"
	ErrCondLinkMessageSizeExc     ErrorCondition = "amqp:link:message-size-exceeded"
	ErrCondLinkRedirect           ErrorCondition = "amqp:link:redirect"
	ErrCondLinkStolen             ErrorCondition = "amqp:link:stolen"
)

// errKind tags the taxonomy in spec section 7 so callers can branch on
// failure class without string matching error text.
type errKind uint8

const (
	KindMalformedPayload errKind = iota
	KindEncodingError
	KindNotImplemented
	KindVersionError
	KindSaslError
	KindArgumentError
	KindOverCapacity
	KindProtocolError
	KindDisconnected
)

func (k errKind) String() string {
	switch k {
	case KindMalformedPayload:
		return "MalformedPayload"
	case KindEncodingError:
		return "EncodingError"
	case KindNotImplemented:
		return "NotImplemented"
	case KindVersionError:
		return "VersionError"
	case KindSaslError:
		return "SaslError"
	case KindArgumentError:
		return "ArgumentError"
	case KindOverCapacity:
		return "OverCapacityError"
	case KindProtocolError:
		return "ProtocolError"
	case KindDisconnected:
		return "DisconnectedError"
	default:
		return "UnknownError"
	}
}

// kindError pairs a taxonomy kind with the underlying cause so the FSMs can
// report external events (ErrorReceived, promise rejection) without losing
// either the classification or the wrapped detail.
type kindError struct {
	kind errKind
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() error { return e.err }

func newKindError(kind errKind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errorErrorf(format, args...)}
}

func wrapKindError(kind errKind, err error, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errorWrapf(err, format, args...)}
}
