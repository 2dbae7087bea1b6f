// Package config loads, normalizes, and validates shmq configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the SHMQ_LOG_LEVEL environment
// override. The Config type centralizes every knob the host daemon and CLI
// need: where the runtime sockets live, how the rendezvous endpoint is named,
// segment limits, the channel release policy and which textures the
// reference store starts with.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
