package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBackendTimeout is returned when a backend does not answer within the
// per-backend timeout.
var ErrBackendTimeout = errors.New("resource backend timed out")

const defaultBackendTimeout = 10 * time.Second

// BreakerSettings configures the per-backend circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration
	// HalfOpenRequests is the number of trial calls allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, CoolDown: 30 * time.Second, HalfOpenRequests: 1}
}

// Federation fans a lookup out to every backend concurrently and returns the
// first successful record. Losing lookups are cancelled and any record they
// still produce is closed.
type Federation struct {
	members []*member
	timeout time.Duration
	breaker BreakerSettings
	logger  *log.Logger
	tracer  trace.Tracer
}

type member struct {
	name    string
	store   Store
	breaker *gobreaker.CircuitBreaker[*Record]
}

// Option configures a Federation.
type Option func(*Federation)

// WithTimeout bounds each backend lookup. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Federation) { f.timeout = d }
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(s BreakerSettings) Option {
	return func(f *Federation) { f.breaker = s }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(f *Federation) { f.logger = l }
}

// NewFederation builds a federation over backends. At least one is required.
func NewFederation(backends []Backend, opts ...Option) (*Federation, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	f := &Federation{
		timeout: defaultBackendTimeout,
		breaker: DefaultBreakerSettings(),
		tracer:  otel.Tracer("timegate/resource"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "FEDERATION"})
	}
	ensureMetrics()
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if b.Store == nil {
			return nil, fmt.Errorf("backend %q has no store", b.Name)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		f.members = append(f.members, &member{
			name:    b.Name,
			store:   b.Store,
			breaker: f.newBreaker(b.Name),
		})
		breakerState.WithLabelValues(b.Name).Set(float64(gobreaker.StateClosed))
	}
	return f, nil
}

func (f *Federation) newBreaker(name string) *gobreaker.CircuitBreaker[*Record] {
	s := f.breaker
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker[*Record](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.CoolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("breaker state change", "backend", name, "from", from.String(), "to", to.String())
			breakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// isSuccessful decides what counts against a breaker. A clean miss or a
// cancellation caused by a sibling winning is not a backend fault.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
}

// Backends returns the member names in registration order.
func (f *Federation) Backends() []string {
	out := make([]string, len(f.members))
	for i, m := range f.members {
		out[i] = m.name
	}
	return out
}

// BreakerState returns the breaker state of the named backend.
func (f *Federation) BreakerState(name string) (gobreaker.State, bool) {
	for _, m := range f.members {
		if m.name == name {
			return m.breaker.State(), true
		}
	}
	return gobreaker.StateClosed, false
}

type outcome struct {
	idx int
	rec *Record
	err error
}

// GetResource returns the first record any backend produces. When every
// backend misses cleanly the result is ErrNotFound; when none produced a
// record and at least one errored it is ErrAllBackendsFailed joined with the
// per-backend errors.
func (f *Federation) GetResource(ctx context.Context, ref Reference) (*Record, error) {
	ctx, span := f.tracer.Start(ctx, "federation.get_resource",
		trace.WithAttributes(attribute.String("resource.ref", ref.String())))
	defer span.End()

	results := make(chan outcome, len(f.members))
	cancels := make([]context.CancelFunc, len(f.members))
	for i, m := range f.members {
		mctx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		go func(i int, m *member) {
			rec, err := m.breaker.Execute(func() (*Record, error) {
				return m.call(mctx, ref, f.timeout)
			})
			results <- outcome{idx: i, rec: rec, err: err}
		}(i, m)
	}

	var errs []error
	pending := len(f.members)
	for pending > 0 {
		select {
		case o := <-results:
			pending--
			m := f.members[o.idx]
			switch {
			case o.err == nil && o.rec != nil:
				for j, cancel := range cancels {
					if j != o.idx {
						cancel()
					}
				}
				o.rec.wrapCloser(cancels[o.idx])
				go drain(results, pending)
				lookups.WithLabelValues(m.name, "hit").Inc()
				span.SetAttributes(attribute.String("resource.backend", m.name))
				return o.rec, nil
			case o.err == nil || errors.Is(o.err, ErrNotFound):
				cancels[o.idx]()
				lookups.WithLabelValues(m.name, "miss").Inc()
			default:
				cancels[o.idx]()
				lookups.WithLabelValues(m.name, outcomeLabel(o.err)).Inc()
				f.logger.Debug("backend lookup failed", "backend", m.name, "ref", ref.String(), "err", o.err)
				errs = append(errs, fmt.Errorf("%s: %w", m.name, o.err))
			}
		case <-ctx.Done():
			for _, cancel := range cancels {
				cancel()
			}
			go drain(results, pending)
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		}
	}
	if len(errs) == 0 {
		return nil, ErrNotFound
	}
	err := fmt.Errorf("%w: %w", ErrAllBackendsFailed, errors.Join(errs...))
	span.RecordError(err)
	span.SetStatus(codes.Error, "all backends failed")
	return nil, err
}

// call runs one lookup bounded by timeout. A store that ignores its context
// cannot hold the caller past the bound; its late record is closed.
func (m *member) call(ctx context.Context, ref Reference, timeout time.Duration) (*Record, error) {
	cctx, cancel := context.WithCancelCause(ctx)
	done := make(chan outcome, 1)
	go func() {
		rec, err := m.store.GetResource(cctx, ref)
		done <- outcome{rec: rec, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			if r.rec != nil {
				_ = r.rec.Close()
			}
			cancel(nil)
			return nil, r.err
		}
		if r.rec == nil {
			cancel(nil)
			return nil, ErrNotFound
		}
		r.rec.wrapCloser(func() { cancel(nil) })
		return r.rec, nil
	case <-expired:
		cancel(ErrBackendTimeout)
		go drain(done, 1)
		return nil, fmt.Errorf("%w after %s", ErrBackendTimeout, timeout)
	case <-ctx.Done():
		cancel(context.Cause(ctx))
		go drain(done, 1)
		return nil, ctx.Err()
	}
}

// drain collects n outstanding outcomes and closes any record among them.
func drain(ch <-chan outcome, n int) {
	for i := 0; i < n; i++ {
		if o := <-ch; o.rec != nil {
			_ = o.rec.Close()
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "open"
	case errors.Is(err, ErrBackendTimeout):
		return "timeout"
	default:
		return "error"
	}
}
