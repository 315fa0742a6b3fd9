// Package vmctl manages the isolated VMs that host guest agents. It
// shells out to virsh; VM definitions live as YAML files in the config
// directory so operators can add a VM without touching libvirt names
// in every command.
package vmctl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrVirshNotAvailable is returned when virsh is not installed
var ErrVirshNotAvailable = errors.New("virsh is not available in PATH")

// CommandRunner executes an external command and returns its combined
// output. Injectable for tests.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Definition is one VM definition file.
type Definition struct {
	// Name is the operator-facing VM name. Defaults to the file name
	// without extension.
	Name string `yaml:"name"`

	// Domain is the libvirt domain. Defaults to Name.
	Domain string `yaml:"domain"`

	// Identity is the agent identity expected from this VM. Defaults
	// to Name.
	Identity string `yaml:"identity"`

	Description string `yaml:"description"`
}

// Status pairs a definition with its current libvirt state.
type Status struct {
	Definition Definition
	State      string
}

// Manager drives VM lifecycle operations.
type Manager struct {
	dir    string
	runner CommandRunner
	logger *zap.Logger
}

// NewManager creates a manager reading definitions from dir.
func NewManager(dir string, logger *zap.Logger) *Manager {
	return NewManagerWithRunner(dir, logger, execRunner{})
}

// NewManagerWithRunner creates a manager with an injected runner.
func NewManagerWithRunner(dir string, logger *zap.Logger, runner CommandRunner) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{dir: dir, runner: runner, logger: logger}
}

// Available returns true if virsh is installed
func (m *Manager) Available() bool {
	_, err := exec.LookPath("virsh")
	return err == nil
}

// Definitions reads all VM definition files, sorted by name.
func (m *Manager) Definitions() ([]Definition, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read VM dir: %w", err)
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(m.dir, entry.Name())
		def, err := loadDefinition(path)
		if err != nil {
			return nil, err
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if def.Domain == "" {
			def.Domain = def.Name
		}
		if def.Identity == "" {
			def.Identity = def.Name
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func loadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read VM definition: %w", err)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && err != io.EOF {
		return Definition{}, fmt.Errorf("%s: failed to parse VM definition: %w", path, err)
	}
	return def, nil
}

// Lookup resolves a VM name to its definition.
func (m *Manager) Lookup(name string) (Definition, error) {
	defs, err := m.Definitions()
	if err != nil {
		return Definition{}, err
	}
	for _, def := range defs {
		if def.Name == name {
			return def, nil
		}
	}
	return Definition{}, fmt.Errorf("unknown VM: %s", name)
}

// Start boots the VM.
func (m *Manager) Start(name string) error {
	return m.virsh(name, "start")
}

// Shutdown asks the VM to power off gracefully.
func (m *Manager) Shutdown(name string) error {
	return m.virsh(name, "shutdown")
}

// Destroy forcibly powers the VM off.
func (m *Manager) Destroy(name string) error {
	return m.virsh(name, "destroy")
}

// State returns the libvirt domain state, e.g. "running" or "shut off".
func (m *Manager) State(name string) (string, error) {
	def, err := m.Lookup(name)
	if err != nil {
		return "", err
	}
	out, err := m.runner.Run("virsh", "domstate", def.Domain)
	if err != nil {
		return "", fmt.Errorf("virsh domstate %s failed: %w", def.Domain, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// List returns every defined VM with its current state. VMs whose
// state cannot be queried report "unknown".
func (m *Manager) List() ([]Status, error) {
	defs, err := m.Definitions()
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(defs))
	for _, def := range defs {
		state := "unknown"
		if out, err := m.runner.Run("virsh", "domstate", def.Domain); err == nil {
			state = strings.TrimSpace(string(out))
		} else {
			m.logger.Debug("domstate failed",
				zap.String("domain", def.Domain),
				zap.Error(err))
		}
		statuses = append(statuses, Status{Definition: def, State: state})
	}
	return statuses, nil
}

// ConsoleCommand builds the interactive virsh console invocation for
// the caller to attach to its terminal.
func (m *Manager) ConsoleCommand(name string) (*exec.Cmd, error) {
	if !m.Available() {
		return nil, ErrVirshNotAvailable
	}
	def, err := m.Lookup(name)
	if err != nil {
		return nil, err
	}
	return exec.Command("virsh", "console", def.Domain), nil
}

func (m *Manager) virsh(name string, op string) error {
	def, err := m.Lookup(name)
	if err != nil {
		return err
	}

	m.logger.Info("vm operation",
		zap.String("op", op),
		zap.String("vm", def.Name),
		zap.String("domain", def.Domain))

	out, err := m.runner.Run("virsh", op, def.Domain)
	if err != nil {
		return fmt.Errorf("virsh %s %s failed: %w: %s", op, def.Domain, err, strings.TrimSpace(string(out)))
	}
	return nil
}
