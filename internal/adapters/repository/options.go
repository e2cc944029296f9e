package repository

import "time"

type options struct {
	hook ChangeHook
	now  func() time.Time
}

func defaultOptions() options {
	return options{now: time.Now}
}

// Option configures a Store implementation.
type Option func(*options)

// WithChangeHook registers a callback fired after each successful mutation.
func WithChangeHook(hook ChangeHook) Option {
	return func(o *options) {
		o.hook = hook
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
