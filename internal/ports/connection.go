package ports

import (
	"fmt"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
)

// ConnectHandler is invoked on every connectivity change: nil on success,
// a *ConnectivityError (or other error) when the session is lost or refused.
type ConnectHandler func(err error)

// AttributesHandler receives the shared attributes returned by a fetch.
type AttributesHandler func(shared map[string]any, err error)

// AttributeHandler receives the new raw value of a single subscribed attribute.
type AttributeHandler func(value any)

// Connection is the remote management platform session.
type Connection interface {
	Connect(cb ConnectHandler) error
	IsConnected() bool
	FetchAttributes(keys []string, cb AttributesHandler) error
	SubscribeAttribute(name string, cb AttributeHandler) error
	PublishAttributes(attrs map[string]any) error
	PublishTelemetry(s domain.Sample) error
	Close() error
}

// ConnectivityError carries the broker's refusal or loss reason.
type ConnectivityError struct {
	Code byte
	Err  error
}

var connackText = map[byte]string{
	1: "incorrect protocol version",
	2: "invalid client identifier",
	3: "server unavailable",
	4: "bad username or password",
	5: "not authorised",
}

// ResultText returns the human readable CONNACK text for code.
func ResultText(code byte) string {
	if s, ok := connackText[code]; ok {
		return s
	}
	return "unknown"
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed: %d, %s: %v", e.Code, ResultText(e.Code), e.Err)
	}
	return fmt.Sprintf("connection failed: %d, %s", e.Code, ResultText(e.Code))
}

func (e *ConnectivityError) Unwrap() error { return e.Err }
