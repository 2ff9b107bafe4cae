package relay

import (
	"errors"
	"fmt"
)

// Status codes carried by client errors. Every error produced by this
// package wraps one of these codes; compare with errors.Is against the
// exported Err* values rather than matching message text.
const (
	NoServersError = iota

	ConnectionClosedError

	ConnectionDrainingError

	DisconnectedError

	StaleConnectionError

	SecureConnWantedError

	SecureConnRequiredError

	AuthorizationError

	AuthExpiredError

	AuthRevokedError

	PermissionsError

	ConnectionRefusedError

	ProtocolError

	MaxPayloadError

	HeadersNotSupportedError

	BadSubscriptionError

	SyncSubRequiredError

	AsyncSubRequiredError

	SlowConsumerError

	MaxDeliveredError

	MaxSubscriptionsError

	TimeoutError

	NoRespondersError

	InvalidSubjectError

	InvalidQueueNameError

	InvalidArgError

	BadTimeoutError

	ReconnectBufExceededError

	DrainTimeoutError

	InvalidConnectionError

	InvalidMsgError

	MessageHandlerError

	UnknownError
)

// Error is the concrete error type returned by the client. Code groups
// errors for programmatic handling; Message carries operation detail.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	name := errorCodeName(e.Code)
	if e.Message != "" {
		return name + ": " + e.Message
	}
	return name
}

// Is matches any *Error carrying the same code, so errors.Is(err,
// ErrConnectionClosed) works regardless of the attached detail.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// NewError builds an Error for the given status code with optional detail.
func NewError(errorCode int, message ...interface{}) *Error {
	err := &Error{Code: errorCode}
	if len(message) > 0 {
		err.Message = fmt.Sprintf("%v", message[0])
	}
	return err
}

// Sentinel values for errors.Is checks.
var (
	ErrNoServers            = NewError(NoServersError)
	ErrConnectionClosed     = NewError(ConnectionClosedError)
	ErrConnectionDraining   = NewError(ConnectionDrainingError)
	ErrDisconnected         = NewError(DisconnectedError)
	ErrStaleConnection      = NewError(StaleConnectionError)
	ErrSecureConnWanted     = NewError(SecureConnWantedError)
	ErrSecureConnRequired   = NewError(SecureConnRequiredError)
	ErrAuthorization        = NewError(AuthorizationError)
	ErrAuthExpired          = NewError(AuthExpiredError)
	ErrAuthRevoked          = NewError(AuthRevokedError)
	ErrPermissionViolation  = NewError(PermissionsError)
	ErrConnectionRefused    = NewError(ConnectionRefusedError)
	ErrProtocol             = NewError(ProtocolError)
	ErrMaxPayload           = NewError(MaxPayloadError)
	ErrHeadersNotSupported  = NewError(HeadersNotSupportedError)
	ErrBadSubscription      = NewError(BadSubscriptionError)
	ErrSyncSubRequired      = NewError(SyncSubRequiredError)
	ErrAsyncSubRequired     = NewError(AsyncSubRequiredError)
	ErrSlowConsumer         = NewError(SlowConsumerError)
	ErrMaxDelivered         = NewError(MaxDeliveredError)
	ErrMaxSubscriptions     = NewError(MaxSubscriptionsError)
	ErrTimeout              = NewError(TimeoutError)
	ErrNoResponders         = NewError(NoRespondersError)
	ErrInvalidSubject       = NewError(InvalidSubjectError)
	ErrInvalidQueueName     = NewError(InvalidQueueNameError)
	ErrInvalidArg           = NewError(InvalidArgError)
	ErrBadTimeout           = NewError(BadTimeoutError)
	ErrReconnectBufExceeded = NewError(ReconnectBufExceededError)
	ErrDrainTimeout         = NewError(DrainTimeoutError)
	ErrInvalidConnection    = NewError(InvalidConnectionError)
	ErrInvalidMsg           = NewError(InvalidMsgError)
)

func errorCodeName(errorCode int) string {
	switch errorCode {
	case NoServersError:
		return "NoServersError"
	case ConnectionClosedError:
		return "ConnectionClosedError"
	case ConnectionDrainingError:
		return "ConnectionDrainingError"
	case DisconnectedError:
		return "DisconnectedError"
	case StaleConnectionError:
		return "StaleConnectionError"
	case SecureConnWantedError:
		return "SecureConnWantedError"
	case SecureConnRequiredError:
		return "SecureConnRequiredError"
	case AuthorizationError:
		return "AuthorizationError"
	case AuthExpiredError:
		return "AuthExpiredError"
	case AuthRevokedError:
		return "AuthRevokedError"
	case PermissionsError:
		return "PermissionsError"
	case ConnectionRefusedError:
		return "ConnectionRefusedError"
	case ProtocolError:
		return "ProtocolError"
	case MaxPayloadError:
		return "MaxPayloadError"
	case HeadersNotSupportedError:
		return "HeadersNotSupportedError"
	case BadSubscriptionError:
		return "BadSubscriptionError"
	case SyncSubRequiredError:
		return "SyncSubRequiredError"
	case AsyncSubRequiredError:
		return "AsyncSubRequiredError"
	case SlowConsumerError:
		return "SlowConsumerError"
	case MaxDeliveredError:
		return "MaxDeliveredError"
	case MaxSubscriptionsError:
		return "MaxSubscriptionsError"
	case TimeoutError:
		return "TimeoutError"
	case NoRespondersError:
		return "NoRespondersError"
	case InvalidSubjectError:
		return "InvalidSubjectError"
	case InvalidQueueNameError:
		return "InvalidQueueNameError"
	case InvalidArgError:
		return "InvalidArgError"
	case BadTimeoutError:
		return "BadTimeoutError"
	case ReconnectBufExceededError:
		return "ReconnectBufExceededError"
	case DrainTimeoutError:
		return "DrainTimeoutError"
	case InvalidConnectionError:
		return "InvalidConnectionError"
	case InvalidMsgError:
		return "InvalidMsgError"
	case MessageHandlerError:
		return "MessageHandlerError"
	default:
		return "UnknownError"
	}
}

// reasonToError maps the quoted text of a server -ERR line to a client
// error. Auth failures get distinct codes so the reconnect logic can stop
// retrying a server that rejects the same credentials twice.
func reasonToError(reason string) *Error {
	switch normalizeErr(reason) {
	case "authorization violation":
		return NewError(AuthorizationError, reason)
	case "user authentication expired":
		return NewError(AuthExpiredError, reason)
	case "user authentication revoked":
		return NewError(AuthRevokedError, reason)
	case "account authentication expired":
		return NewError(AuthExpiredError, reason)
	case "stale connection":
		return NewError(StaleConnectionError, reason)
	case "maximum connections exceeded":
		return NewError(ConnectionRefusedError, reason)
	case "maximum subscriptions exceeded":
		return NewError(MaxSubscriptionsError, reason)
	case "secure connection - tls required":
		return NewError(SecureConnRequiredError, reason)
	}
	return NewError(UnknownError, reason)
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrAuthRevoked)
}
