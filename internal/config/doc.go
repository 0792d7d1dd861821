// Package config provides configuration loading and validation for the overlay service.
// It reads a YAML file on top of built-in defaults and validates every section.
package config
