package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunSummary collects the identity, resources, and settings of a pipeline
// run, then emits a single structured event describing how the run was
// configured. Secrets are never registered; only their presence is.
type RunSummary struct {
	name       string
	runID      string
	commitHash string
	startup    time.Duration

	paths       map[string]string
	endpoints   map[string]string
	credentials map[string]bool
	features    map[string]bool
	config      map[string]string
}

// NewRunSummary creates a RunSummary for the named command (e.g. "run", "stage").
func NewRunSummary(name string) *RunSummary {
	return &RunSummary{
		name:        name,
		paths:       make(map[string]string),
		endpoints:   make(map[string]string),
		credentials: make(map[string]bool),
		features:    make(map[string]bool),
		config:      make(map[string]string),
	}
}

// RunID sets the run identifier.
func (s *RunSummary) RunID(id string) *RunSummary {
	s.runID = id
	return s
}

// CommitHash sets the git commit hash baked into the binary at build time.
func (s *RunSummary) CommitHash(hash string) *RunSummary {
	s.commitHash = hash
	return s
}

// Path registers a filesystem location used by the run (tool root, checkpoint cache).
func (s *RunSummary) Path(label, path string) *RunSummary {
	s.paths[label] = path
	return s
}

// Endpoint registers a remote service the run talks to.
func (s *RunSummary) Endpoint(label, url string) *RunSummary {
	s.endpoints[label] = url
	return s
}

// Credential records whether a credential is configured. The value itself
// is never taken.
func (s *RunSummary) Credential(name string, present bool) *RunSummary {
	s.credentials[name] = present
	return s
}

// Feature registers a boolean option (e.g. "stage2Weighting", "publish").
func (s *RunSummary) Feature(name string, enabled bool) *RunSummary {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *RunSummary) Config(key, value string) *RunSummary {
	s.config[key] = value
	return s
}

// StartupDuration records how long configuration and credential loading took.
func (s *RunSummary) StartupDuration(d time.Duration) *RunSummary {
	s.startup = d
	return s
}

// Log emits a single structured INFO log event with all collected information.
func (s *RunSummary) Log() {
	evt := log.Info()

	process := zerolog.Dict().
		Str("command", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", os.Getenv(LevelEnv))
	if s.runID != "" {
		process = process.Str("runId", s.runID)
	}
	if s.commitHash != "" {
		process = process.Str("commitHash", s.commitHash)
	}
	evt = evt.Dict("process", process)

	if len(s.paths) > 0 {
		evt = evt.Dict("paths", dictFromMap(s.paths))
	}
	if len(s.endpoints) > 0 {
		evt = evt.Dict("endpoints", dictFromMap(s.endpoints))
	}
	if len(s.credentials) > 0 {
		evt = evt.Dict("credentials", dictFromBools(s.credentials))
	}
	if len(s.features) > 0 {
		evt = evt.Dict("features", dictFromBools(s.features))
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.startup > 0 {
		evt = evt.Dur("startupDuration", s.startup)
	}

	evt.Msg("Pipeline configured")
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}

func dictFromBools(m map[string]bool) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Bool(k, v)
	}
	return d
}
