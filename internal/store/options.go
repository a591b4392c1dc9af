package store

import (
	"go.uber.org/zap"

	"github.com/dreamware/recstore/internal/recidlock"
)

type options struct {
	log   *zap.Logger
	locks recidlock.Locker
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithLocker selects the per-recid locking strategy of a Direct store.
// The default is an exact lock table.
func WithLocker(l recidlock.Locker) Option {
	return func(o *options) {
		o.locks = l
	}
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locks == nil {
		o.locks = recidlock.NewTable()
	}
	return o
}
