package activation

import (
	"context"
	"errors"
	"fmt"

	"github.com/mauriciomferz/transfer-activation/delegation"
	"github.com/mauriciomferz/transfer-activation/transfer"
)

var (
	// ErrUnsupported means the endpoint does not offer the chosen
	// activation method. It is recoverable: try another Filler.
	ErrUnsupported = errors.New("activation method not supported by endpoint")

	// ErrDuplicateRequirement means the server listed the same (type, name)
	// more than once. It also matches transfer.ErrProtocol.
	ErrDuplicateRequirement = fmt.Errorf("%w: duplicate activation requirement", transfer.ErrProtocol)
)

// Kind classifies an activation error.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindProtocol
	KindAPI
	KindUnsupported
	KindDelegation
	KindAuth
	KindCanceled
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAPI:
		return "api"
	case KindUnsupported:
		return "unsupported"
	case KindDelegation:
		return "delegation"
	case KindAuth:
		return "auth"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err. Delegation errors caused by cancellation
// are reported as KindDelegation; use errors.Is with context.Canceled to
// tell them apart.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, delegation.ErrDelegation):
		return KindDelegation
	case errors.Is(err, transfer.ErrAPI):
		return KindAPI
	case errors.Is(err, transfer.ErrProtocol):
		return KindProtocol
	case errors.Is(err, transfer.ErrTokenExpired):
		return KindAuth
	case errors.Is(err, transfer.ErrTransport):
		return KindTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}
