// Package engine exposes the facade owning all entities, the event
// bus, and the extension manager. External collaborators (transport,
// credential store) only ever call the operations defined here.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"italk-core/domain"
	"italk-core/errors"
	"italk-core/event"
	"italk-core/extension"
	"italk-core/repositories"
)

var validate = validator.New()

type userRequest struct {
	ID       string `validate:"required,max=128"`
	Username string `validate:"required,max=128"`
}

// Engine is the single mutator of the user/group collections. Every
// mutating operation runs as lock, mutate, snapshot, unlock, emit,
// persist: persistence and dispatch never hold the entity lock, so a
// stalled save cannot deadlock the core and hooks can re-enter.
type Engine struct {
	mu     sync.Mutex
	log    *slog.Logger
	bus    *event.Bus
	states repositories.StateRepository
	users  map[string]*domain.User
	groups map[string]*domain.Group

	extensions *extension.Manager

	// Dispatch gate: an emit issued while another dispatch is running
	// is queued and drained afterwards, never dispatched nested.
	dmu         sync.Mutex
	dispatching bool
	deferred    []pendingEvent
}

type pendingEvent struct {
	kind    event.Kind
	payload event.Payload
}

func New(log *slog.Logger, bus *event.Bus, states repositories.StateRepository) *Engine {
	return &Engine{
		log:    log,
		bus:    bus,
		states: states,
		users:  make(map[string]*domain.User),
		groups: make(map[string]*domain.Group),
	}
}

// AttachExtensions wires the extension manager. Done after
// construction because the manager needs the engine as its Lua API.
// The manager's on_init goes out through the dispatch gate, like every
// other event.
func (e *Engine) AttachExtensions(manager *extension.Manager) {
	e.extensions = manager
	manager.UseEmitter(e.emit)
}

// RegisterUser creates a new, disconnected user. Unlike ConnectUser it
// rejects an already known id; the two policies are intentionally
// distinct.
func (e *Engine) RegisterUser(id, username string, metadata map[string]string) (*domain.User, error) {
	if err := validate.Struct(userRequest{ID: id, Username: username}); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidUser, err)
	}

	e.mu.Lock()
	if _, ok := e.users[id]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateUser, id)
	}
	user := domain.NewUser(id, username, metadata)
	e.users[id] = user
	state := e.stateLocked()
	e.mu.Unlock()

	e.log.Info("User registered", "id", id, "username", username)
	e.persist(state)
	return user, nil
}

// ConnectUser marks the user connected, creating it on first contact
// (upsert). Fires on_connect.
func (e *Engine) ConnectUser(id, username string, metadata map[string]string) (*domain.User, error) {
	if err := validate.Struct(userRequest{ID: id, Username: username}); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidUser, err)
	}

	e.mu.Lock()
	user, ok := e.users[id]
	if !ok {
		user = domain.NewUser(id, username, metadata)
		e.users[id] = user
	}
	user.Connected = true
	snapshot := user.Clone()
	state := e.stateLocked()
	e.mu.Unlock()

	e.log.Info("User connected", "id", id, "username", user.Username)
	e.emit(event.KindConnect, event.Payload{User: snapshot})
	e.persist(state)
	return user, nil
}

// DisconnectUser is idempotent: an unknown or already disconnected id
// is a no-op and fires nothing.
func (e *Engine) DisconnectUser(id string) {
	e.mu.Lock()
	user, ok := e.users[id]
	if !ok || !user.Connected {
		e.mu.Unlock()
		return
	}
	user.Connected = false
	snapshot := user.Clone()
	state := e.stateLocked()
	e.mu.Unlock()

	e.log.Info("User disconnected", "id", id, "username", user.Username)
	e.emit(event.KindDisconnect, event.Payload{User: snapshot})
	e.persist(state)
}

// SendMessage constructs and delivers a message for a connected user.
// A disconnected or unknown author is rejected without producing a
// message and without firing on_message.
func (e *Engine) SendMessage(id, content string) (*domain.Message, error) {
	e.mu.Lock()
	user, ok := e.users[id]
	if !ok || !user.Connected {
		e.mu.Unlock()
		e.log.Warn("Rejecting message from non connected user", "id", id)
		return nil, fmt.Errorf("%w: %s", errors.ErrNotConnected, id)
	}
	author := user.Clone()
	message := domain.NewMessage(author, content)
	state := e.stateLocked()
	e.mu.Unlock()

	e.log.Info("Message delivered", "id", id, "username", author.Username)
	e.emit(event.KindMessage, event.Payload{User: author, Message: &message})
	e.persist(state)
	return &message, nil
}

// CreateGroup is idempotent: an existing name returns the existing
// group.
func (e *Engine) CreateGroup(name string) (*domain.Group, error) {
	if name == "" {
		return nil, errors.ErrInvalidGroup
	}
	e.mu.Lock()
	group, ok := e.groups[name]
	if ok {
		e.mu.Unlock()
		return group, nil
	}
	group = domain.NewGroup(name)
	e.groups[name] = group
	state := e.stateLocked()
	e.mu.Unlock()

	e.log.Info("Group created", "name", name)
	e.persist(state)
	return group, nil
}

// JoinGroup adds a known user to a group, creating the group on first
// use. Membership addition is idempotent.
func (e *Engine) JoinGroup(name, userID string) error {
	if name == "" {
		return errors.ErrInvalidGroup
	}
	e.mu.Lock()
	user, ok := e.users[userID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrUnknownUser, userID)
	}
	group, ok := e.groups[name]
	if !ok {
		group = domain.NewGroup(name)
		e.groups[name] = group
	}
	group.AddMember(user)
	state := e.stateLocked()
	e.mu.Unlock()

	e.persist(state)
	return nil
}

// LeaveGroup removes a member. Absent group or member is a no-op.
func (e *Engine) LeaveGroup(name, userID string) {
	e.mu.Lock()
	group, ok := e.groups[name]
	if !ok {
		e.mu.Unlock()
		return
	}
	group.RemoveMember(userID)
	state := e.stateLocked()
	e.mu.Unlock()

	e.persist(state)
}

// User looks up a user by id.
func (e *Engine) User(id string) (*domain.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, ok := e.users[id]
	return user, ok
}

// Group looks up a group by name.
func (e *Engine) Group(name string) (*domain.Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	group, ok := e.groups[name]
	return group, ok
}

// Subscribe registers a direct callback on the bus. An unknown kind is
// reported and returned, never fatal.
func (e *Engine) Subscribe(kind event.Kind, fn event.Callback) error {
	_, err := e.bus.Subscribe(kind, fn)
	return err
}

// LoadExtensions loads each named extension best effort, then fires
// on_init once.
func (e *Engine) LoadExtensions(names []string) {
	if e.extensions == nil {
		return
	}
	e.extensions.LoadAll(names)
}

func (e *Engine) ActivateExtension(name string) error {
	if e.extensions == nil {
		return fmt.Errorf("%w: %s", errors.ErrExtensionNotFound, name)
	}
	return e.extensions.Load(name)
}

func (e *Engine) DeactivateExtension(name string) error {
	if e.extensions == nil {
		return fmt.Errorf("%w: %s", errors.ErrExtensionNotLoaded, name)
	}
	return e.extensions.Unload(name)
}

func (e *Engine) ReloadExtension(name string) error {
	if e.extensions == nil {
		return fmt.Errorf("%w: %s", errors.ErrExtensionNotLoaded, name)
	}
	return e.extensions.Reload(name)
}

func (e *Engine) AvailableExtensions() ([]string, error) {
	if e.extensions == nil {
		return nil, nil
	}
	return e.extensions.Available()
}

// Restore replaces the in-memory entities with the loaded snapshot.
// A missing or unreadable snapshot yields an empty entity set; group
// members that no longer resolve to a loaded user are dropped.
func (e *Engine) Restore() {
	state, err := e.states.Load()
	if err != nil {
		e.log.Error("Snapshot load failed, starting with an empty state", "error", err)
		state = repositories.State{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.users = make(map[string]*domain.User, len(state.Users))
	for _, record := range state.Users {
		user := domain.NewUser(record.ID, record.Username, record.Metadata)
		user.Connected = record.Connected
		e.users[user.ID] = user
	}

	e.groups = make(map[string]*domain.Group, len(state.Groups))
	for _, record := range state.Groups {
		group := domain.NewGroup(record.Name)
		for _, memberID := range record.Members {
			user, ok := e.users[memberID]
			if !ok {
				e.log.Warn("Dropping dangling group member",
					"group", record.Name, "member", memberID)
				continue
			}
			group.AddMember(user)
		}
		e.groups[group.Name] = group
	}
}

// Log, Send and Disconnect implement the extension API reachable from
// Lua through the global engine table.
func (e *Engine) Log(msg string) {
	e.log.Info(msg)
}

func (e *Engine) Send(userID, content string) {
	if _, err := e.SendMessage(userID, content); err != nil {
		e.log.Warn("Extension send rejected", "id", userID, "error", err)
	}
}

func (e *Engine) Disconnect(userID string) {
	e.DisconnectUser(userID)
}

// stateLocked builds the snapshot form. Callers must hold e.mu.
func (e *Engine) stateLocked() repositories.State {
	users := lo.MapToSlice(e.users, func(_ string, user *domain.User) repositories.UserRecord {
		return repositories.UserRecord{
			ID:        user.ID,
			Username:  user.Username,
			Metadata:  user.Metadata,
			Connected: user.Connected,
		}
	})
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	groups := lo.MapToSlice(e.groups, func(_ string, group *domain.Group) repositories.GroupRecord {
		return repositories.GroupRecord{
			Name:    group.Name,
			Members: group.MemberIDs(),
		}
	})
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	return repositories.State{Users: users, Groups: groups}
}

// persist writes the snapshot outside the entity lock. Failure is
// contained: the in-memory state stays authoritative.
func (e *Engine) persist(state repositories.State) {
	if err := e.states.Save(state); err != nil {
		e.log.Error("State persistence failed", "error", err)
	}
}

// emit publishes through the dispatch gate. Events emitted while a
// dispatch is in flight (hooks calling back into the engine) are
// queued and run after it, in emission order.
func (e *Engine) emit(kind event.Kind, payload event.Payload) {
	e.dmu.Lock()
	if e.dispatching {
		e.deferred = append(e.deferred, pendingEvent{kind: kind, payload: payload})
		e.dmu.Unlock()
		return
	}
	e.dispatching = true
	e.dmu.Unlock()

	e.bus.Publish(kind, payload)
	for {
		e.dmu.Lock()
		if len(e.deferred) == 0 {
			e.dispatching = false
			e.dmu.Unlock()
			return
		}
		next := e.deferred[0]
		e.deferred = e.deferred[1:]
		e.dmu.Unlock()
		e.bus.Publish(next.kind, next.payload)
	}
}
