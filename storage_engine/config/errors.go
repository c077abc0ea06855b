package config

import "errors"

var (
	ErrUnknownFormat = errors.New("config: unknown config file format")
	ErrInvalid       = errors.New("config: invalid options")
)
