package sysexec

// Well-known names of the drop-file protocol spoken between a pool and its
// persistent engine processes. All live inside a slot's working directory.
const (
	// DropFile holds a pending job. The engine deletes it once accepted.
	DropFile = "in"
	// ShutdownFile asks the engine to exit.
	ShutdownFile = "shutdown"
	// BootstrapFile is the optional start-up script of the engine.
	BootstrapFile = "main"
)

// Environment passed to every persistent engine process.
const (
	EnvSlotDir      = "ENGINEPOOL_DIR"
	EnvDropFile     = "ENGINEPOOL_IN"
	EnvShutdownFile = "ENGINEPOOL_SHUTDOWN"
)
