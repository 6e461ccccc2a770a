// Package domain contains domain models and business logic errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidConfig is returned when a configuration value is outside its valid domain.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrResourceExhausted is returned when resources are not available.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrInvalidUtilization is returned by power models for utilization outside [0, 1].
	ErrInvalidUtilization = errors.New("utilization must be within [0, 1]")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")
)
