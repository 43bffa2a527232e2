// Package fleetconfig loads devices.yaml: the device inventory, the task
// catalogue and the run settings shared by every device.
package fleetconfig

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/httprunner/droidfleet"
	"github.com/httprunner/droidfleet/internal/config"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "devices.yaml"

const (
	defaultMaxSteps   = 200
	goalPreviewLength = 50
)

// ErrNoDevices is returned when the devices section is missing or empty.
var ErrNoDevices = errors.New("devices.yaml: 'devices' section is required")

// File mirrors devices.yaml.
type File struct {
	Devices     map[string]DeviceEntry `yaml:"devices"`
	Tasks       map[string]TaskEntry   `yaml:"tasks"`
	ActiveTask  string                 `yaml:"active_task"`
	Concurrency int                    `yaml:"concurrency"`
	Connection  ConnectionSection      `yaml:"connection"`
	Paths       PathsSection           `yaml:"paths"`
}

// DeviceEntry is one device as written in YAML.
type DeviceEntry struct {
	Type        string `yaml:"type"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Serial      string `yaml:"serial"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`
}

// TaskEntry is one named goal.
type TaskEntry struct {
	Goal      string `yaml:"goal"`
	MaxSteps  int    `yaml:"max_steps"`
	Reasoning bool   `yaml:"reasoning"`
	Vision    *bool  `yaml:"vision"`
	Timeout   string `yaml:"timeout"`
}

// ConnectionSection overrides the connection retry policy.
type ConnectionSection struct {
	MaxRetry       int    `yaml:"max_retry"`
	RetryDelay     string `yaml:"retry_delay"`
	ReconnectPause string `yaml:"reconnect_pause"`
}

// PathsSection overrides artifact locations.
type PathsSection struct {
	Logs         string `yaml:"logs"`
	Trajectories string `yaml:"trajectories"`
}

// Task is a resolved task with defaults applied.
type Task struct {
	Name      string
	Goal      string
	MaxSteps  int
	Reasoning bool
	Vision    bool
	Timeout   time.Duration
}

// Load reads path, expanding ${VAR} references before parsing.
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("device configuration file not found: %s", path)
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML that has already been expanded.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse devices.yaml")
	}
	if len(f.Devices) == 0 {
		return nil, ErrNoDevices
	}
	return &f, nil
}

// EnabledDevices returns the named device regardless of its enabled flag, or
// every enabled device when name is empty.
func (f *File) EnabledDevices(name string) (map[string]droidfleet.DeviceSpec, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		entry, ok := f.Devices[name]
		if !ok {
			return nil, errors.Errorf("device '%s' not found. Available: %s", name, strings.Join(sortedKeys(f.Devices), ", "))
		}
		return map[string]droidfleet.DeviceSpec{name: entry.spec(name)}, nil
	}
	specs := make(map[string]droidfleet.DeviceSpec)
	for n, entry := range f.Devices {
		if entry.Enabled {
			specs[n] = entry.spec(n)
		}
	}
	return specs, nil
}

func (e DeviceEntry) spec(name string) droidfleet.DeviceSpec {
	return droidfleet.DeviceSpec{
		Name:        name,
		Kind:        droidfleet.ConnectionKind(strings.ToLower(strings.TrimSpace(e.Type))),
		Host:        strings.TrimSpace(e.Host),
		Port:        e.Port,
		Serial:      strings.TrimSpace(e.Serial),
		Description: e.Description,
		Enabled:     e.Enabled,
	}
}

// Task resolves name, or active_task when name is empty.
func (f *File) Task(name string) (Task, error) {
	if len(f.Tasks) == 0 {
		return Task{}, errors.New("no 'tasks' section found in devices.yaml")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(f.ActiveTask)
	}
	if name == "" {
		return Task{}, errors.New("no task specified and no 'active_task' configured in devices.yaml")
	}
	entry, ok := f.Tasks[name]
	if !ok {
		return Task{}, errors.Errorf("task '%s' not found. Available tasks: %s", name, strings.Join(sortedKeys(f.Tasks), ", "))
	}
	task := Task{
		Name:      name,
		Goal:      entry.Goal,
		MaxSteps:  entry.MaxSteps,
		Reasoning: entry.Reasoning,
		Vision:    true,
	}
	if task.MaxSteps <= 0 {
		task.MaxSteps = defaultMaxSteps
	}
	if entry.Vision != nil {
		task.Vision = *entry.Vision
	}
	if strings.TrimSpace(task.Goal) == "" {
		return Task{}, errors.Errorf("task '%s' has no goal", name)
	}
	if entry.Timeout != "" {
		d, err := time.ParseDuration(entry.Timeout)
		if err != nil {
			return Task{}, errors.Wrapf(err, "task '%s' timeout", name)
		}
		task.Timeout = d
	}
	return task, nil
}

// TaskSummary is one row of ListTasks.
type TaskSummary struct {
	Name        string
	GoalPreview string
	Active      bool
}

// ListTasks returns every task sorted by name with a goal preview.
func (f *File) ListTasks() []TaskSummary {
	names := sortedKeys(f.Tasks)
	out := make([]TaskSummary, 0, len(names))
	for _, name := range names {
		goal := f.Tasks[name].Goal
		runes := []rune(goal)
		if len(runes) > goalPreviewLength {
			goal = string(runes[:goalPreviewLength]) + "..."
		}
		out = append(out, TaskSummary{Name: name, GoalPreview: goal, Active: name == f.ActiveTask})
	}
	return out
}

// ConcurrencyBound returns the configured bound, at least 1.
func (f *File) ConcurrencyBound() int {
	if f.Concurrency < 1 {
		return 1
	}
	return f.Concurrency
}

// Environment overrides for the connection section.
const (
	EnvMaxRetry   = "DROIDFLEET_MAX_RETRY"
	EnvRetryDelay = "DROIDFLEET_RETRY_DELAY"
)

// ConnectConfig merges the connection section over the defaults, then applies
// $DROIDFLEET_MAX_RETRY and $DROIDFLEET_RETRY_DELAY when they parse.
func (f *File) ConnectConfig() (droidfleet.ConnectConfig, error) {
	cfg := droidfleet.DefaultConnectConfig()
	if f.Connection.MaxRetry > 0 {
		cfg.MaxRetry = f.Connection.MaxRetry
	}
	var err error
	if cfg.RetryDelay, err = parseDurationOr(f.Connection.RetryDelay, cfg.RetryDelay); err != nil {
		return cfg, errors.Wrap(err, "connection.retry_delay")
	}
	if cfg.ReconnectPause, err = parseDurationOr(f.Connection.ReconnectPause, cfg.ReconnectPause); err != nil {
		return cfg, errors.Wrap(err, "connection.reconnect_pause")
	}
	if n := config.Int(EnvMaxRetry, cfg.MaxRetry); n > 0 {
		cfg.MaxRetry = n
	}
	if d := config.Duration(EnvRetryDelay, cfg.RetryDelay); d >= 0 {
		cfg.RetryDelay = d
	}
	return cfg, nil
}

// LogDir returns paths.logs or "logs".
func (f *File) LogDir() string {
	return firstNonEmpty(f.Paths.Logs, "logs")
}

// TrajectoryDir returns paths.trajectories or "trajectories".
func (f *File) TrajectoryDir() string {
	return firstNonEmpty(f.Paths.Trajectories, "trajectories")
}

func parseDurationOr(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
