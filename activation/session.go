package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mauriciomferz/transfer-activation/transfer"
)

// State is a step of an activation.
type State int

const (
	StateStart State = iota
	StateDeactivated
	StateRequirementsFetched
	StateUnsupported
	StateFilled
	StateSubmitted
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateDeactivated:
		return "deactivated"
	case StateRequirementsFetched:
		return "requirements_fetched"
	case StateUnsupported:
		return "unsupported"
	case StateFilled:
		return "filled"
	case StateSubmitted:
		return "submitted"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result describes how an activation ended. It is returned alongside any
// error, with State set to StateFailed or StateUnsupported.
type Result struct {
	Endpoint string
	State    State
	// Code and Message come from the activation result document.
	Code    string
	Message string
	// Document is the full activation result document.
	Document transfer.Document
	// Trace lists every state entered, starting with StateStart.
	Trace []State
}

// AutoActivationFailed reports whether the server answered with an
// AutoActivationFailed code.
func (r *Result) AutoActivationFailed() bool {
	return strings.HasPrefix(r.Code, "AutoActivationFailed")
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

// Session drives activations through a Transport. It keeps no state between
// calls and is safe for concurrent use.
type Session struct {
	transport  Transport
	negotiator *Negotiator
	logger     *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSession creates a Session.
func NewSession(t Transport, opts ...SessionOption) *Session {
	s := &Session{
		transport:  t,
		negotiator: NewNegotiator(t),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Requirements fetches the endpoint's current activation requirements
// without changing its state.
func (s *Session) Requirements(ctx context.Context, endpoint string) (*RequirementSet, error) {
	return s.negotiator.FetchRequirements(ctx, endpoint)
}

// Deactivate resets the endpoint. An endpoint that is not active counts as
// deactivated.
func (s *Session) Deactivate(ctx context.Context, endpoint string) error {
	_, err := s.transport.Post(ctx, transfer.EndpointPath(endpoint)+"/deactivate", nil)
	if err == nil || isNotActivated(err) {
		return nil
	}
	return err
}

func isNotActivated(err error) bool {
	var apiErr *transfer.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.HasSuffix(apiErr.Code, "NotActivated") || strings.HasSuffix(apiErr.ErrorCode, "NotActivated")
}

// Activate deactivates the endpoint, fetches its requirements, lets filler
// supply credentials and submits them. If the endpoint does not offer the
// filler's method, Activate returns a Result in StateUnsupported and an
// error matching ErrUnsupported; nothing is submitted in that case.
func (s *Session) Activate(ctx context.Context, endpoint string, filler Filler) (*Result, error) {
	if filler == nil {
		res := &Result{Endpoint: endpoint}
		res.enter(StateStart)
		res.enter(StateFailed)
		return res, errors.New("activation: no filler given")
	}
	method := filler.Method()
	res := &Result{Endpoint: endpoint}
	res.enter(StateStart)
	logger := s.logger.With("endpoint", endpoint, "method", method)

	fail := func(err error) (*Result, error) {
		res.enter(StateFailed)
		activationsTotal.WithLabelValues(method, KindOf(err).String()).Inc()
		logger.Warn("activation failed", "error", err, "kind", KindOf(err).String(), "trace", res.Trace)
		return res, err
	}

	if err := s.Deactivate(ctx, endpoint); err != nil {
		return fail(err)
	}
	res.enter(StateDeactivated)

	set, err := s.negotiator.FetchRequirements(ctx, endpoint)
	if err != nil {
		return fail(err)
	}
	res.enter(StateRequirementsFetched)
	logger.Debug("activation requirements fetched", "count", set.Len())

	outcome, err := filler.Fill(ctx, set)
	if err != nil {
		return fail(err)
	}
	if outcome == Unsupported {
		res.enter(StateUnsupported)
		activationsTotal.WithLabelValues(method, "unsupported").Inc()
		logger.Info("activation method not offered by endpoint")
		return res, fmt.Errorf("%w: endpoint %s does not offer %s", ErrUnsupported, endpoint, method)
	}
	res.enter(StateFilled)

	if err := s.submit(ctx, endpoint, set.Document(), res); err != nil {
		return fail(err)
	}

	res.enter(StateDone)
	activationsTotal.WithLabelValues(method, "done").Inc()
	logger.Info("endpoint activated", "code", res.Code)
	return res, nil
}

// AutoActivate asks the server to activate the endpoint with credentials it
// already holds. A server that cannot do so answers with a code for which
// Result.AutoActivationFailed is true; that is not an error.
func (s *Session) AutoActivate(ctx context.Context, endpoint string) (*Result, error) {
	res := &Result{Endpoint: endpoint}
	res.enter(StateStart)

	if err := s.submit(ctx, endpoint, nil, res); err != nil {
		res.enter(StateFailed)
		activationsTotal.WithLabelValues("auto", KindOf(err).String()).Inc()
		return res, err
	}
	res.enter(StateDone)

	outcome := "done"
	if res.AutoActivationFailed() {
		outcome = "auto_activation_failed"
	}
	activationsTotal.WithLabelValues("auto", outcome).Inc()
	s.logger.Info("auto-activation finished", "endpoint", endpoint, "code", res.Code)
	return res, nil
}

func (s *Session) submit(ctx context.Context, endpoint string, doc transfer.Document, res *Result) error {
	out, err := s.transport.Post(ctx, transfer.EndpointPath(endpoint)+"/activate", doc)
	if err != nil {
		return err
	}
	res.enter(StateSubmitted)

	code, ok := out.Document["code"].(string)
	if !ok {
		return fmt.Errorf("%w: activation result for %s has no code", transfer.ErrProtocol, endpoint)
	}
	res.Code = code
	res.Message = out.Document.String("message")
	res.Document = out.Document
	return nil
}
