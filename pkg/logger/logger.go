package logger

// Backend is a logging sink. The package-level functions fan out to every
// configured backend.
type Backend interface {
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

type dispatcher struct {
	backends []Backend
}

var singleton *dispatcher

// Init configures the global logger with one or more backends. It must be
// called before any logging function; calls made before Init are dropped.
func Init(backends ...Backend) {
	singleton = &dispatcher{backends: backends}
}

// Debug writes a message at DEBUG level to all configured backends.
func Debug(message string, keyvals ...any) {
	if singleton == nil {
		return
	}
	for _, b := range singleton.backends {
		b.Debug(message, keyvals...)
	}
}

// Info writes a message at INFO level to all configured backends.
func Info(message string, keyvals ...any) {
	if singleton == nil {
		return
	}
	for _, b := range singleton.backends {
		b.Info(message, keyvals...)
	}
}

// Warn writes a message at WARN level to all configured backends.
func Warn(message string, keyvals ...any) {
	if singleton == nil {
		return
	}
	for _, b := range singleton.backends {
		b.Warn(message, keyvals...)
	}
}

// Error writes a message at ERROR level to all configured backends.
func Error(message string, keyvals ...any) {
	if singleton == nil {
		return
	}
	for _, b := range singleton.backends {
		b.Error(message, keyvals...)
	}
}

// Fatal writes a message at FATAL level and terminates the process.
func Fatal(message string, keyvals ...any) {
	if singleton == nil {
		return
	}
	for _, b := range singleton.backends {
		b.Fatal(message, keyvals...)
	}
}
