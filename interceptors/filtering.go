package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mqkit/messaging"
)

// MessageFilter decides whether a request reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg messaging.Delivery) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg messaging.Delivery) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg messaging.Delivery) (bool, error) {
	return f(ctx, msg)
}

// FilteringInterceptor passes requests the filter accepts to the handler and
// the rest to onSkip. A nil onSkip rejects the request without requeue, so
// its caller times out.
type FilteringInterceptor struct {
	filter MessageFilter
	onSkip messaging.RPCHandler
	logger *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, onSkip messaging.RPCHandler) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter: filter,
		onSkip: onSkip,
		logger: slog.Default(),
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg messaging.Delivery, r messaging.Responder, next messaging.RPCHandler) {
	ok, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		i.logger.Warn("rpc filter failed, skipping request",
			"queue", msg.RoutingKey,
			"correlationId", msg.CorrelationID,
			"error", err)
	}

	if ok && err == nil {
		next(ctx, msg, r)
		return
	}

	if i.onSkip != nil {
		i.onSkip(ctx, msg, r)
		return
	}

	if err := msg.Reject(false); err != nil {
		i.logger.Error("failed to reject filtered rpc request", "correlationId", msg.CorrelationID, "error", err)
	}
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter accepts when every filter accepts
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates an AND filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter accepts when any filter accepts
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates an OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ContentTypeFilter accepts requests with one of the given content types
type ContentTypeFilter struct {
	allowed map[string]struct{}
}

// NewContentTypeFilter creates a content type filter
func NewContentTypeFilter(contentTypes ...string) *ContentTypeFilter {
	allowed := make(map[string]struct{}, len(contentTypes))
	for _, ct := range contentTypes {
		allowed[ct] = struct{}{}
	}
	return &ContentTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *ContentTypeFilter) ShouldProcess(ctx context.Context, msg messaging.Delivery) (bool, error) {
	_, ok := f.allowed[msg.ContentType]
	return ok, nil
}

// HeaderFilter accepts requests whose header key equals one of values
type HeaderFilter struct {
	key    string
	values []string
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(key string, values ...string) *HeaderFilter {
	return &HeaderFilter{key: key, values: values}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, msg messaging.Delivery) (bool, error) {
	raw, ok := msg.Headers[f.key]
	if !ok {
		return false, nil
	}

	got := fmt.Sprint(raw)
	for _, v := range f.values {
		if got == v {
			return true, nil
		}
	}
	return false, nil
}
