package config

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "supervisor.port_min")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log output formats
func ValidLogFormats() []string {
	return []string{"json", "text"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRegistry()...)
	errors = append(errors, c.validateProvision()...)
	errors = append(errors, c.validateSupervisor()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func (c *Config) validateServer() []ValidationError {
	_, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return []ValidationError{{
			Field:   "server.listen",
			Value:   c.Server.Listen,
			Message: "must be host:port",
		}}
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return []ValidationError{{
			Field:   "server.listen",
			Value:   c.Server.Listen,
			Message: "port must be between 0 and 65535",
		}}
	}
	return nil
}

func (c *Config) validateDatabase() []ValidationError {
	if strings.TrimSpace(c.Database.Path) == "" {
		return []ValidationError{{
			Field:   "database.path",
			Value:   c.Database.Path,
			Message: "must not be empty",
		}}
	}
	return nil
}

func (c *Config) validateRegistry() []ValidationError {
	var errors []ValidationError
	for field, url := range map[string]string{
		"registry.adapters_url": c.Registry.AdaptersURL,
		"registry.plugins_url":  c.Registry.PluginsURL,
	} {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   url,
				Message: "must be an http or https URL",
			})
		}
	}
	slices.SortFunc(errors, func(a, b ValidationError) int {
		return strings.Compare(a.Field, b.Field)
	})
	if c.Registry.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "registry.timeout",
			Value:   c.Registry.Timeout,
			Message: "must be non-negative",
		})
	}
	return errors
}

func (c *Config) validateProvision() []ValidationError {
	var errors []ValidationError
	if c.Provision.Python == "" {
		errors = append(errors, ValidationError{
			Field:   "provision.python",
			Value:   c.Provision.Python,
			Message: "must not be empty",
		})
	}
	if c.Provision.VenvDir == "" {
		errors = append(errors, ValidationError{
			Field:   "provision.venv_dir",
			Value:   c.Provision.VenvDir,
			Message: "must not be empty",
		})
	}
	if c.Provision.Requirement == "" {
		errors = append(errors, ValidationError{
			Field:   "provision.requirement",
			Value:   c.Provision.Requirement,
			Message: "must not be empty",
		})
	}
	if c.Provision.MaxConcurrent < 1 {
		errors = append(errors, ValidationError{
			Field:   "provision.max_concurrent",
			Value:   c.Provision.MaxConcurrent,
			Message: "must be at least 1",
		})
	}
	if c.Provision.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "provision.timeout",
			Value:   c.Provision.Timeout,
			Message: "must be non-negative (0 = no limit)",
		})
	}
	return errors
}

func (c *Config) validateSupervisor() []ValidationError {
	var errors []ValidationError
	if c.Supervisor.Entrypoint == "" {
		errors = append(errors, ValidationError{
			Field:   "supervisor.entrypoint",
			Value:   c.Supervisor.Entrypoint,
			Message: "must not be empty",
		})
	}
	if c.Supervisor.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "supervisor.host",
			Value:   c.Supervisor.Host,
			Message: "must not be empty",
		})
	}
	if c.Supervisor.PortMin < 1 || c.Supervisor.PortMin > 65535 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.port_min",
			Value:   c.Supervisor.PortMin,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Supervisor.PortMax < 1 || c.Supervisor.PortMax > 65535 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.port_max",
			Value:   c.Supervisor.PortMax,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Supervisor.PortMin > c.Supervisor.PortMax {
		errors = append(errors, ValidationError{
			Field:   "supervisor.port_max",
			Value:   c.Supervisor.PortMax,
			Message: fmt.Sprintf("must not be below supervisor.port_min (%d)", c.Supervisor.PortMin),
		})
	}
	if c.Supervisor.ShutdownGrace <= 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.shutdown_grace",
			Value:   c.Supervisor.ShutdownGrace,
			Message: "must be positive",
		})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}
	return errors
}
