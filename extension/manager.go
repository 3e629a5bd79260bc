package extension

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"italk-core/errors"
	"italk-core/event"
)

// Extension records one loaded module and the exact bus bindings it
// contributed. Records are immutable once loaded.
type Extension struct {
	Name     string
	module   *Module
	bindings []event.Binding
}

// Bindings returns a copy of the hook bindings this extension holds.
func (e *Extension) Bindings() []event.Binding {
	out := make([]event.Binding, len(e.bindings))
	copy(out, e.bindings)
	return out
}

// Manager handles the lifecycle of all extensions: discovery in a
// directory of .lua files, load, unload, and reload.
type Manager struct {
	mu     sync.Mutex
	log    *slog.Logger
	dir    string
	bus    *event.Bus
	api    API
	emit   func(kind event.Kind, p event.Payload)
	loaded map[string]*Extension
}

func NewManager(log *slog.Logger, dir string, bus *event.Bus, api API) *Manager {
	m := &Manager{
		log:    log,
		dir:    dir,
		bus:    bus,
		api:    api,
		loaded: make(map[string]*Extension),
	}
	m.emit = m.bus.Publish
	return m
}

// UseEmitter routes manager-originated events (on_init) through the
// given publisher instead of straight to the bus. The engine installs
// its dispatch gate here, so an on_init hook re-entering the engine
// never triggers a nested dispatch.
func (m *Manager) UseEmitter(emit func(kind event.Kind, p event.Payload)) {
	m.emit = emit
}

// Load resolves name to <dir>/<name>.lua, runs the script body, and
// binds every exported hook into the bus. Either the extension ends up
// fully loaded with all discovered hooks bound, or not loaded at all.
func (m *Manager) Load(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(name)
}

func (m *Manager) load(name string) error {
	if _, ok := m.loaded[name]; ok {
		return fmt.Errorf("%w: %s", errors.ErrExtensionLoaded, name)
	}

	path := filepath.Join(m.dir, name+".lua")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrExtensionNotFound, path)
	}

	module, err := openModule(name, path, m.api)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrExtensionLoadFailed, name, err)
	}

	ext := &Extension{Name: name, module: module}
	for _, kind := range event.Kinds() {
		if !module.exports(kind) {
			continue
		}
		binding, err := m.bus.Subscribe(kind, module.hook(kind))
		if err != nil {
			for _, bound := range ext.bindings {
				m.bus.Unsubscribe(bound)
			}
			return fmt.Errorf("%w: %s: %v", errors.ErrExtensionLoadFailed, name, err)
		}
		ext.bindings = append(ext.bindings, binding)
	}

	m.loaded[name] = ext
	m.log.Info("Extension loaded", "name", name, "hooks", len(ext.bindings))
	return nil
}

// Unload removes exactly the bindings recorded at load time. Removal
// is keyed by the recorded binding, not by the module identity, so a
// stale callback from a previous load can never survive a reload.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unload(name)
}

func (m *Manager) unload(name string) error {
	ext, ok := m.loaded[name]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrExtensionNotLoaded, name)
	}
	for _, binding := range ext.bindings {
		m.bus.Unsubscribe(binding)
	}
	delete(m.loaded, name)
	m.log.Info("Extension unloaded", "name", name)
	return nil
}

// Reload unloads then loads. When the load fails, the extension stays
// unloaded; there is no rollback to the previous version.
func (m *Manager) Reload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unload(name); err != nil {
		return err
	}
	return m.load(name)
}

// LoadAll loads each name in sequence, best effort: one failure is
// reported and does not prevent the remaining names. After all
// attempts it fires on_init once.
func (m *Manager) LoadAll(names []string) {
	for _, name := range names {
		if err := m.Load(name); err != nil {
			m.log.Error("Extension skipped", "name", name, "error", err)
		}
	}
	m.emit(event.KindInit, event.Payload{})
}

// Loaded returns the currently loaded extension names, sorted.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available lists the extensions discoverable in the directory,
// independent of what is loaded. Files starting with an underscore are
// skipped.
func (m *Manager) Available() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".lua") || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".lua"))
	}
	sort.Strings(names)
	return names, nil
}
