package instances

import "errors"

// Provisioning failures.
var (
	ErrFilesystem          = errors.New("filesystem operation failed")
	ErrEnvironmentCreation = errors.New("failed to create virtual environment")
	ErrDependencyInstall   = errors.New("failed to install NoneBot 2")
)

// Launch failures.
var (
	ErrSpawnFailed      = errors.New("failed to spawn instance process")
	ErrAlreadyRunning   = errors.New("instance is already running")
	ErrInstanceNotFound = errors.New("instance does not exist")
	ErrNoPortAvailable  = errors.New("no available port")
	ErrShuttingDown     = errors.New("supervisor is shutting down")
)
