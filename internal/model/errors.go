package model

import "errors"

var (
	// ErrTransient marks network level failures. The item is retried, possibly under a new proxy.
	ErrTransient = errors.New("transient network error")
	// ErrSessionStart marks a browser session that could not be opened. The proxy is treated as failed.
	ErrSessionStart = errors.New("session start failed")
	// ErrNoProxy is returned when no cold proxy became available within the wait budget.
	ErrNoProxy = errors.New("no cold proxy available")
	// ErrUnexpectedItem marks a per item failure that is not worth retrying.
	ErrUnexpectedItem = errors.New("unexpected item error")
)
