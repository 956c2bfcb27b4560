// Package config loads, normalizes, and validates Talking Heads configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ELEVENLABS_API_KEY and DID_API_KEY. The Config type centralizes every knob
// the pipeline and CLI need: backend credentials, avatar and video output
// settings, layout policy, worker pool sizing, retry policy, and storage
// locations for outputs, cache artifacts, and the run ledger.
//
// Always obtain settings through this package so the pipeline receives
// sanitized paths, canonical enum values, and clear validation errors. The
// pipeline never reads configuration from globals; callers pass the *Config
// into constructors explicitly.
package config
