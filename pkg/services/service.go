package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowtree/pkg/auth"
	"github.com/dukex/flowtree/pkg/eventbus"
	"github.com/dukex/flowtree/pkg/lock"
	"github.com/dukex/flowtree/pkg/metrics"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/otelhelper"
	"github.com/dukex/flowtree/pkg/persistence"
)

// maxLockAttempts bounds how often a caller re-reads a tree whose root changed
// while it waited for the lock.
const maxLockAttempts = 3

// Option configures the collaborators shared by the flow services.
type Option func(*runtime)

// WithLocker sets the per-tree locker. Defaults to an in-process lock.Local.
func WithLocker(locker lock.Locker) Option {
	return func(r *runtime) {
		r.locker = locker
	}
}

// WithPublisher sets the event publisher. Events are dropped when unset.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *runtime) {
		r.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *runtime) {
		r.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *runtime) {
		r.tracer = tracer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *runtime) {
		r.logger = logger
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *runtime) {
		r.now = now
	}
}

// WithIDGenerator overrides the flow and template id generator.
func WithIDGenerator(newID func() string) Option {
	return func(r *runtime) {
		r.newID = newID
	}
}

type runtime struct {
	locker    lock.Locker
	publisher eventbus.EventPublisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func newRuntime(opts []Option) runtime {
	r := runtime{
		locker: lock.NewLocal(),
		tracer: otelhelper.NoopTracer(),
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}

	for _, opt := range opts {
		opt(&r)
	}

	r.logger = r.logger.With("module", "services")

	return r
}

// start opens a span for op. The returned func ends it and records metrics.
func (r *runtime) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	started := time.Now()
	attrs = append(attrs, attribute.String(otelhelper.OperationKey, op))

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, op, attrs...)

	return ctx, func(err error) {
		otelhelper.SetError(span, err)
		span.End()
		r.metrics.Observe(op, started, err)
	}
}

func (r *runtime) caller(ctx context.Context, op string) (string, error) {
	userID, ok := auth.UserID(ctx)
	if !ok {
		return "", NewValidationError(op, "missing_user", "caller id is required", ErrEmptyUserID)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(otelhelper.UserIDKey, userID))

	return userID, nil
}

// publish sends an event keyed by the tree it concerns. Failures are logged
// and never fail the operation.
func (r *runtime) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	if err := r.publisher.Publish(ctx, key, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(),
			"key", key,
			"error", err,
		)
	}
}

func (r *runtime) lockTrees(ctx context.Context, op string, roots ...string) (lock.Release, error) {
	keys := make([]string, 0, len(roots))
	for _, root := range roots {
		keys = append(keys, lock.TreeKey(root))
	}

	release, err := r.locker.Acquire(ctx, keys...)
	if err != nil {
		return nil, mapRepoError(op, err)
	}

	return release, nil
}

// release frees locks even when the request context is already done.
func (r *runtime) release(ctx context.Context, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		r.logger.WarnContext(ctx, "failed to release tree lock", "error", err)
	}
}

func (r *runtime) stamp(flow *models.Flow, offset int) {
	at := r.now().UTC().Add(time.Duration(offset) * time.Microsecond)
	flow.CreatedAt = at
	flow.UpdatedAt = at
}

// writes tracks records touched by a multi-step operation.
type writes struct {
	created []string
	updated []string
	deleted []string
}

func (w writes) empty() bool {
	return len(w.created)+len(w.updated)+len(w.deleted) == 0
}

// failed maps err for a multi-step operation. On a store without rollback
// any earlier write turns the failure into a PartialFailureError.
func (r *runtime) failed(ctx context.Context, tx persistence.Persistence, op string, err error, w writes) error {
	mapped := mapRepoError(op, err)

	if tx.Transactional() || w.empty() {
		return mapped
	}

	r.logger.ErrorContext(ctx, "operation partially applied",
		"operation", op,
		"created", w.created,
		"updated", w.updated,
		"deleted", w.deleted,
		"error", err,
	)

	return &PartialFailureError{
		Op:      op,
		Created: w.created,
		Updated: w.updated,
		Deleted: w.deleted,
		Err:     mapped,
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}

	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}

	return out
}

func sameParent(current, next *string) bool {
	if current == nil || next == nil {
		return current == nil && next == nil
	}

	return *current == *next
}
