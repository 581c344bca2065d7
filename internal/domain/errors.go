package domain

import "errors"

var (
	// ErrNotFound indicates a record was not found by the given identifier.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyEnrolled indicates the customer already has an open instance
	// of the template.
	ErrAlreadyEnrolled = errors.New("customer already enrolled in template")

	// ErrTemplateInUse indicates a template that instances were derived from.
	ErrTemplateInUse = errors.New("template is in use")

	// ErrInvalidTransition indicates an instance cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid instance status transition")

	// ErrInvalidInput indicates a request that can never succeed as given.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClaimLost indicates the caller no longer holds the claim on a task.
	ErrClaimLost = errors.New("task claim lost")

	// ErrInvalidTarget indicates the channel rejected the target as malformed
	// or unknown. Retrying cannot help.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrChannelThrottled indicates the channel itself asked us to slow down.
	ErrChannelThrottled = errors.New("channel throttled")
)
