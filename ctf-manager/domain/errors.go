package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInstanceNotFound      = errors.New("instance not found")
	ErrInstanceAlreadyExists = errors.New("instance already exists")
	ErrInstanceNotActive     = errors.New("instance is not active")
	ErrStaleInstance         = errors.New("instance was modified concurrently")
	ErrInvalidTransition     = errors.New("invalid status transition")

	ErrChallengeNotFound            = errors.New("challenge not found")
	ErrChallengeNotContainerEnabled = errors.New("challenge is not container enabled")
	ErrImageNotAllowed              = errors.New("image is not in the allowed repositories")
	ErrInvalidArgument              = errors.New("invalid argument")

	ErrQuotaExceeded        = errors.New("container quota exceeded")
	ErrNoPortAvailable      = errors.New("no port available")
	ErrPortInUse            = errors.New("port already in use")
	ErrContainerStartFailed = errors.New("container start failed")

	ErrNotOwner             = errors.New("instance does not belong to requester")
	ErrRevertCooldownActive = errors.New("revert cooldown active")
	ErrExtendLimitExceeded  = errors.New("extend limit exceeded")

	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrRuntimeRejected    = errors.New("container runtime rejected the operation")
	ErrContainerNotFound  = errors.New("container not found")
	ErrTimeout            = errors.New("operation timed out")
)

// CooldownError is returned when a revert is attempted inside the cooldown window.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrRevertCooldownActive, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Unwrap() error {
	return ErrRevertCooldownActive
}

type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindRuntimeUnavailable ErrorKind = "runtime_unavailable"
	KindRuntimeRejected    ErrorKind = "runtime_rejected"
	KindNotOwner           ErrorKind = "not_owner"
	KindNotFound           ErrorKind = "not_found"
	KindCooldownActive     ErrorKind = "cooldown_active"
	KindExtendLimit        ErrorKind = "extend_limit"
	KindTimeout            ErrorKind = "timeout"
	KindConflict           ErrorKind = "conflict"
	KindInternal           ErrorKind = "internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrChallengeNotFound, KindNotFound},
	{ErrChallengeNotContainerEnabled, KindValidation},
	{ErrImageNotAllowed, KindValidation},
	{ErrInvalidArgument, KindValidation},
	{ErrQuotaExceeded, KindQuotaExceeded},
	{ErrNoPortAvailable, KindResourceExhausted},
	{ErrNotOwner, KindNotOwner},
	{ErrRevertCooldownActive, KindCooldownActive},
	{ErrExtendLimitExceeded, KindExtendLimit},
	{ErrInstanceNotFound, KindNotFound},
	{ErrInstanceNotActive, KindConflict},
	{ErrStaleInstance, KindConflict},
	// runtime causes are checked before ErrContainerNotFound so a failed start
	// keeps the classification of what the engine said
	{ErrTimeout, KindTimeout},
	{ErrRuntimeUnavailable, KindRuntimeUnavailable},
	{ErrRuntimeRejected, KindRuntimeRejected},
	{ErrContainerNotFound, KindNotFound},
}

// KindOf maps an error onto the error taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

const maxMessageLength = 256

// TruncateMessage shortens runtime messages to a length safe for display.
func TruncateMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= maxMessageLength {
		return msg
	}
	return string(r[:maxMessageLength-3]) + "..."
}
