package rewrite

import "errors"

var (
	// ErrInvalidArgument is returned when a setting value or slot index is
	// rejected. The table is left unchanged.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBusy is returned when unloading while rewrite entries are active.
	ErrBusy = errors.New("resource busy")
	// ErrNotFound is returned when a required hook head or setting does not
	// exist.
	ErrNotFound = errors.New("not found")
)
