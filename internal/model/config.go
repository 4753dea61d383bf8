package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogText = "text"
	LogJSON = "json"
)

// Gulpfiles are looked up under these names, in order.
var GulpfileNames = []string{"gulpfile.yaml", "gulpfile.yml"}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int                   `json:"version" yaml:"version"` // fixed 0 for now
	Defaults *Defaults             `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Tasks    map[string]TaskConfig `json:"tasks" yaml:"tasks"`
	Watch    []Watch               `json:"watch,omitempty" yaml:"watch,omitempty"`
	Schedule []Schedule            `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Service  Service               `json:"service" yaml:"service"`

	// TaskOrder lists the task names in the order of the gulpfile.
	TaskOrder []string `json:"-" yaml:"-"`
}

// Defaults are applied to every command task.
type Defaults struct {
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Timeout Duration          `json:"timeout,omitzero" yaml:"timeout,omitempty"`
	Fields  map[string]any    `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// TaskConfig defines one task. Exactly one of Run, Command, Series and
// Parallel is set.
type TaskConfig struct {
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	Before      []string       `json:"before,omitempty" yaml:"before,omitempty"`
	After       []string       `json:"after,omitempty" yaml:"after,omitempty"`
	// Run is a shell script executed by sh -c.
	Run      string   `json:"run,omitempty" yaml:"run,omitempty"`
	Command  *Command `json:"command,omitempty" yaml:"command,omitempty"`
	Series   []Step   `json:"series,omitempty" yaml:"series,omitempty"`
	Parallel []Step   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Retry    *Retry   `json:"retry,omitempty" yaml:"retry,omitempty"`
}

type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Timeout Duration          `json:"timeout,omitzero" yaml:"timeout,omitempty"`
}

type Retry struct {
	Attempts int      `json:"attempts" yaml:"attempts"`
	Backoff  Duration `json:"backoff,omitzero" yaml:"backoff,omitempty"`
}

// Step is an element of a composite task: either a task name or a nested
// series or parallel group.
type Step struct {
	Task     string
	Series   []Step
	Parallel []Step
}

type stepGroup struct {
	Series   []Step `json:"series,omitempty" yaml:"series,omitempty"`
	Parallel []Step `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

func (s *Step) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		if name == "" {
			return errors.New("empty task name in step")
		}
		*s = Step{Task: name}
		return nil
	}
	var g stepGroup
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&g); err != nil {
		return fmt.Errorf("step must be a task name or a series or parallel group: %w", err)
	}
	if (g.Series == nil) == (g.Parallel == nil) {
		return errors.New("step group must set exactly one of series or parallel")
	}
	*s = Step{Series: g.Series, Parallel: g.Parallel}
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	if s.Task != "" {
		return json.Marshal(s.Task)
	}
	return json.Marshal(stepGroup{Series: s.Series, Parallel: s.Parallel})
}

func (s Step) MarshalYAML() (any, error) {
	if s.Task != "" {
		return s.Task, nil
	}
	return stepGroup{Series: s.Series, Parallel: s.Parallel}, nil
}

// Refs returns every task name the step references, depth first.
func (s Step) Refs() []string {
	if s.Task != "" {
		return []string{s.Task}
	}
	var ret []string
	for _, c := range slices.Concat(s.Series, s.Parallel) {
		ret = append(ret, c.Refs()...)
	}
	return ret
}

type Watch struct {
	Paths    []string `json:"paths" yaml:"paths"`
	Tasks    []string `json:"tasks" yaml:"tasks"`
	Debounce Duration `json:"debounce,omitzero" yaml:"debounce,omitempty"`
}

// Schedule triggers tasks either by a cron expression or every fixed
// duration.
type Schedule struct {
	Cron  string   `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every Duration `json:"every,omitzero" yaml:"every,omitempty"`
	Tasks []string `json:"tasks" yaml:"tasks"`
}

type Service struct {
	Verbose bool     `json:"verbose" yaml:"verbose"`
	Log     string   `json:"log,omitempty" yaml:"log,omitempty"` // "text" | "json" | "" for auto
	Metrics *TCPAddr `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	History string   `json:"history,omitempty" yaml:"history,omitempty"`
}

// Duration accepts Go (1m30s) and ISO-8601 (PT1M30S) notation.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) IsZero() bool { return d == 0 }

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Validation failures are returned as *ConfigError.
func LoadConfig(r io.Reader) (*Config, error) {
	return loadConfig("gulpfile.yaml", r)
}

// LoadFile reads and validates the gulpfile at path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadConfig(filepath.Base(path), f)
}

func loadConfig(name string, r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract(name, r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, newConfigError(err)
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	tasks := unified.LookupPath(cue.ParsePath("tasks"))
	iter, err := tasks.Fields()
	if err != nil {
		return nil, err
	}
	for iter.Next() {
		out.TaskOrder = append(out.TaskOrder, iter.Selector().Unquoted())
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks the constraints the schema can't express: a single body
// per task, a single trigger per schedule and references to defined tasks.
func (c Config) Validate() error {
	var errs []error
	defined := func(where string, names ...string) {
		for _, n := range names {
			if _, ok := c.Tasks[n]; !ok {
				errs = append(errs, fmt.Errorf("%s: %w: %q", where, ErrUnknownTask, n))
			}
		}
	}

	for _, name := range c.names() {
		t := c.Tasks[name]
		bodies := 0
		if t.Run != "" {
			bodies++
		}
		if t.Command != nil {
			bodies++
		}
		if t.Series != nil {
			bodies++
		}
		if t.Parallel != nil {
			bodies++
		}
		where := "tasks." + name
		switch {
		case bodies == 0:
			errs = append(errs, fmt.Errorf("%s: %w", where, ErrNoBody))
		case bodies > 1:
			errs = append(errs, fmt.Errorf("%s: %w", where, ErrManyBodies))
		}
		if t.Retry != nil && (t.Series != nil || t.Parallel != nil) {
			errs = append(errs, fmt.Errorf("%s: %w", where, ErrRetryComposite))
		}
		for _, s := range slices.Concat(t.Series, t.Parallel) {
			defined(where, s.Refs()...)
		}
	}

	if cycle := c.cycle(); cycle != nil {
		errs = append(errs, fmt.Errorf("tasks.%s: %w: %s", cycle[0], ErrCycle, strings.Join(cycle, " -> ")))
	}

	for i, w := range c.Watch {
		defined(fmt.Sprintf("watch[%d]", i), w.Tasks...)
	}
	for i, s := range c.Schedule {
		where := fmt.Sprintf("schedule[%d]", i)
		switch {
		case s.Cron == "" && s.Every == 0:
			errs = append(errs, fmt.Errorf("%s: %w", where, ErrNoTrigger))
		case s.Cron != "" && s.Every != 0:
			errs = append(errs, fmt.Errorf("%s: %w", where, ErrManyTriggers))
		case s.Cron != "":
			if _, err := ParseCron(s.Cron); err != nil {
				errs = append(errs, fmt.Errorf("%s: parsing cron: %w", where, err))
			}
		case s.Every < 0:
			errs = append(errs, fmt.Errorf("%s: every must be positive", where))
		}
		defined(where, s.Tasks...)
	}
	return errors.Join(errs...)
}

// cycle returns the first chain of composite tasks that leads back to its
// start, or nil.
func (c Config) cycle() []string {
	const (
		unseen = iota
		open
		closed
	)
	state := make(map[string]int, len(c.Tasks))
	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		switch state[name] {
		case open:
			i := slices.Index(path, name)
			return append(slices.Clone(path[i:]), name)
		case closed:
			return nil
		}
		state[name] = open
		path = append(path, name)
		t := c.Tasks[name]
		for _, s := range slices.Concat(t.Series, t.Parallel) {
			for _, ref := range s.Refs() {
				if _, ok := c.Tasks[ref]; !ok {
					continue
				}
				if ret := visit(ref); ret != nil {
					return ret
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = closed
		return nil
	}
	for _, name := range c.names() {
		if ret := visit(name); ret != nil {
			return ret
		}
	}
	return nil
}

func (c Config) names() []string {
	if len(c.TaskOrder) == len(c.Tasks) {
		return c.TaskOrder
	}
	return slices.Sorted(maps.Keys(c.Tasks))
}

// Names returns task names in gulpfile order.
func (c Config) Names() []string {
	return append([]string(nil), c.names()...)
}

// Find looks for a gulpfile in dir and its parents.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		for _, name := range GulpfileNames {
			path := filepath.Join(dir, name)
			if st, err := os.Stat(path); err == nil && !st.IsDir() {
				return path, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoGulpfile
		}
		dir = parent
	}
}

// ResolvePaths makes the relative directories of c absolute against base,
// the directory of the gulpfile. Commands default to base.
func (c *Config) ResolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	if c.Defaults == nil {
		c.Defaults = &Defaults{}
	}
	if c.Defaults.Dir == "" {
		c.Defaults.Dir = base
	}
	c.Defaults.Dir = abs(c.Defaults.Dir)
	for name, t := range c.Tasks {
		if t.Command == nil || t.Command.Dir == "" {
			continue
		}
		cmd := *t.Command
		cmd.Dir = abs(cmd.Dir)
		t.Command = &cmd
		c.Tasks[name] = t
	}
	c.Service.History = abs(c.Service.History)
}
