package config

import "errors"

// ErrMissingRequiredEnv is the sentinel for the Config.MissingRequiredEnv.
var ErrMissingRequiredEnv = errors.New("missing_required_env")
