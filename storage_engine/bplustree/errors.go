package bplus

import "errors"

var (
	ErrNotFound    = errors.New("bplus: element not found")
	ErrExists      = errors.New("bplus: element already exists")
	ErrCorruptNode = errors.New("bplus: corrupt node")
)
