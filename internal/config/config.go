// Package config loads gridflow configuration files.
//
// A configuration file is CUE: one "key: value" per line, or plain JSON.
// It is unified with an embedded closed schema, so unknown keys and values
// of the wrong type are rejected and missing keys take their defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource string

// Config is the settings for one flow execution.
type Config struct {
	WorkRoot           string
	CacheEndpoint      string
	MaxConcurrency     int
	DefaultStepTimeout time.Duration
	KillGrace          time.Duration
	AllowFetchFrom     []string
	AllowInstallFrom   []string
	NoCache            bool

	// Source is the file the values came from; empty for defaults.
	Source string
}

// CacheEnabled reports whether steps should consult the cache service.
func (c *Config) CacheEnabled() bool {
	return c.CacheEndpoint != "" && !c.NoCache
}

// Validate checks values after command-line overrides are applied.
func (c *Config) Validate() error {
	switch {
	case c.WorkRoot == "":
		return &Error{Message: "work_root must not be empty"}
	case c.MaxConcurrency < 1:
		return &Error{Message: fmt.Sprintf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)}
	case c.DefaultStepTimeout <= 0:
		return &Error{Message: fmt.Sprintf("default_step_timeout must be positive, got %s", c.DefaultStepTimeout)}
	case c.KillGrace < 0:
		return &Error{Message: fmt.Sprintf("kill_grace must not be negative, got %s", c.KillGrace)}
	}
	return nil
}

// Error is a configuration problem, positioned in the source file when
// CUE reported a position.
type Error struct {
	Message string
	Pos     token.Pos
	Err     error
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return "config: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// file mirrors the schema's field names.
type file struct {
	WorkRoot           string   `json:"work_root"`
	CacheEndpoint      string   `json:"cache_endpoint"`
	MaxConcurrency     int      `json:"max_concurrency"`
	DefaultStepTimeout string   `json:"default_step_timeout"`
	KillGrace          string   `json:"kill_grace"`
	AllowFetchFrom     []string `json:"allow_fetch_from"`
	AllowInstallFrom   []string `json:"allow_install_from"`
	NoCache            bool     `json:"no_cache"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Parse(nil, "")
	if err != nil {
		// the embedded schema's defaults are always concrete
		panic(err)
	}
	return cfg
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("cannot read %s", path), Err: err}
	}
	return Parse(data, path)
}

// Parse validates configuration source. filename is used in positions.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, cueError(err, "")
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def
	if len(data) > 0 {
		src := ctx.CompileBytes(data, cue.Filename(filename))
		if err := src.Err(); err != nil {
			return nil, cueError(err, filename)
		}
		value = def.Unify(src)
	}
	if err := value.Validate(); err != nil {
		return nil, cueError(err, filename)
	}

	// Decode resolves the schema defaults of absent keys
	var f file
	if err := value.Decode(&f); err != nil {
		return nil, cueError(err, filename)
	}

	cfg := &Config{
		WorkRoot:         f.WorkRoot,
		CacheEndpoint:    f.CacheEndpoint,
		MaxConcurrency:   f.MaxConcurrency,
		AllowFetchFrom:   f.AllowFetchFrom,
		AllowInstallFrom: f.AllowInstallFrom,
		NoCache:          f.NoCache,
		Source:           filename,
	}
	var err error
	if cfg.DefaultStepTimeout, err = time.ParseDuration(f.DefaultStepTimeout); err != nil {
		return nil, &Error{Message: "default_step_timeout: " + err.Error(), Err: err}
	}
	if cfg.KillGrace, err = time.ParseDuration(f.KillGrace); err != nil {
		return nil, &Error{Message: "kill_grace: " + err.Error(), Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cueError prefers a position inside the user's file over one in the schema.
func cueError(err error, filename string) *Error {
	e := &Error{Message: strings.TrimSpace(cueerrors.Details(err, nil)), Err: err}
	for _, pos := range cueerrors.Positions(err) {
		if !e.Pos.IsValid() || pos.Filename() == filename {
			e.Pos = pos
		}
		if pos.Filename() == filename {
			break
		}
	}
	return e
}
