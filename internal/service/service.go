package service

import (
	"errors"
	"log/slog"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrAlreadyCompleted = errors.New("batch already completed")
	ErrDuplicateEvent   = errors.New("event already handled")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// casRetries bounds optimistic merge loops on shared asset and edge rows.
const casRetries = 8

// Options carries the clock and logger shared by the services.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
