// Package config loads the process-wide commcore-bus configuration from
// environment variables. It does not parse config files — the knob surface
// is exactly what AppConfig enumerates, loaded once at startup with Load().
package config
