package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "italk-core/errors"
	"italk-core/event"
	"italk-core/repositories"
)

func newTestEngine(t *testing.T) (*Engine, *event.Bus, *repositories.FileStateRepository) {
	t.Helper()
	log := slog.Default()
	bus := event.NewBus(log)
	states := repositories.NewFileStateRepository(
		filepath.Join(t.TempDir(), "engine_state.json"), log)
	return New(log, bus, states), bus, states
}

type failingStates struct {
	saves int
}

func (f *failingStates) Save(repositories.State) error {
	f.saves++
	return fmt.Errorf("%w: disk full", apperrors.ErrPersistence)
}

func (f *failingStates) Load() (repositories.State, error) {
	return repositories.State{}, fmt.Errorf("%w: unreadable", apperrors.ErrPersistence)
}

func TestEngine_RegisterUser_Rejects_Duplicate(t *testing.T) {
	req := require.New(t)
	e, _, _ := newTestEngine(t)

	// Given a registered user
	alice, err := e.RegisterUser("u1", "Alice", map[string]string{"locale": "fr"})
	req.NoError(err)
	req.False(alice.Connected)

	// When the same id registers again
	_, err = e.RegisterUser("u1", "Imposter", nil)

	// Then it fails and state is unchanged
	req.ErrorIs(err, apperrors.ErrDuplicateUser)
	user, ok := e.User("u1")
	req.True(ok)
	req.Equal("Alice", user.Username)
}

func TestEngine_RegisterUser_Rejects_Empty_Id(t *testing.T) {
	req := require.New(t)
	e, _, _ := newTestEngine(t)

	_, err := e.RegisterUser("", "Alice", nil)

	req.ErrorIs(err, apperrors.ErrInvalidUser)
}

func TestEngine_ConnectUser_Is_An_Upsert(t *testing.T) {
	req := require.New(t)
	e, bus, _ := newTestEngine(t)
	connects := 0
	_, err := bus.Subscribe(event.KindConnect, func(p event.Payload) error {
		connects++
		req.True(p.User.Connected)
		return nil
	})
	req.NoError(err)

	// When an unknown id connects
	user, err := e.ConnectUser("u1", "Alice", nil)

	// Then the user is created connected and on_connect fired
	req.NoError(err)
	req.True(user.Connected)
	req.Equal(1, connects)

	// And a registered user connects the same way
	_, err = e.RegisterUser("u2", "Bob", nil)
	req.NoError(err)
	bob, err := e.ConnectUser("u2", "Bob", nil)
	req.NoError(err)
	req.True(bob.Connected)
	req.Equal(2, connects)
}

func TestEngine_DisconnectUser_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	e, bus, _ := newTestEngine(t)
	disconnects := 0
	_, err := bus.Subscribe(event.KindDisconnect, func(event.Payload) error {
		disconnects++
		return nil
	})
	req.NoError(err)

	_, err = e.ConnectUser("u1", "Alice", nil)
	req.NoError(err)

	// When disconnecting repeatedly
	e.DisconnectUser("u1")
	e.DisconnectUser("u1")
	e.DisconnectUser("ghost")

	// Then only the real transition fired
	user, ok := e.User("u1")
	req.True(ok)
	req.False(user.Connected)
	req.Equal(1, disconnects)
}

func TestEngine_SendMessage_Requires_Connection(t *testing.T) {
	req := require.New(t)
	e, bus, _ := newTestEngine(t)
	fired := 0
	_, err := bus.Subscribe(event.KindMessage, func(event.Payload) error {
		fired++
		return nil
	})
	req.NoError(err)

	// Unknown author
	message, err := e.SendMessage("ghost", "hi")
	req.ErrorIs(err, apperrors.ErrNotConnected)
	req.Nil(message)

	// Registered but never connected
	_, err = e.RegisterUser("u1", "Alice", nil)
	req.NoError(err)
	message, err = e.SendMessage("u1", "hi")
	req.ErrorIs(err, apperrors.ErrNotConnected)
	req.Nil(message)

	req.Equal(0, fired)
}

func TestEngine_Session_Scenario(t *testing.T) {
	req := require.New(t)
	e, bus, _ := newTestEngine(t)
	var deliveries []event.Payload
	_, err := bus.Subscribe(event.KindMessage, func(p event.Payload) error {
		deliveries = append(deliveries, p)
		return nil
	})
	req.NoError(err)

	// register u1/Alice, connect, send "hi"
	_, err = e.RegisterUser("u1", "Alice", nil)
	req.NoError(err)
	_, err = e.ConnectUser("u1", "Alice", nil)
	req.NoError(err)
	message, err := e.SendMessage("u1", "hi")
	req.NoError(err)
	req.Equal("hi", message.Content)
	req.NotZero(message.CreatedAt)

	req.Len(deliveries, 1)
	req.Equal("Alice", deliveries[0].User.Username)
	req.Equal(message.ID, deliveries[0].Message.ID)

	// disconnect, then send "bye": rejected, nothing fired
	e.DisconnectUser("u1")
	message, err = e.SendMessage("u1", "bye")
	req.ErrorIs(err, apperrors.ErrNotConnected)
	req.Nil(message)
	req.Len(deliveries, 1)
}

func TestEngine_Mutations_Persist_A_Loadable_Snapshot(t *testing.T) {
	req := require.New(t)
	e, _, states := newTestEngine(t)

	_, err := e.ConnectUser("u1", "Alice", map[string]string{"locale": "fr"})
	req.NoError(err)
	_, err = e.RegisterUser("u2", "Bob", nil)
	req.NoError(err)
	req.NoError(e.JoinGroup("general", "u1"))
	req.NoError(e.JoinGroup("general", "u2"))
	e.DisconnectUser("u1")

	state, err := states.Load()
	req.NoError(err)
	req.Len(state.Users, 2)
	req.Equal("u1", state.Users[0].ID)
	req.False(state.Users[0].Connected)
	req.Equal("fr", state.Users[0].Metadata["locale"])
	req.Len(state.Groups, 1)
	req.Equal([]string{"u1", "u2"}, state.Groups[0].Members)
}

func TestEngine_Restore_Round_Trips_Users_And_Drops_Dangling_Members(t *testing.T) {
	req := require.New(t)
	log := slog.Default()
	states := repositories.NewFileStateRepository(
		filepath.Join(t.TempDir(), "engine_state.json"), log)
	req.NoError(states.Save(repositories.State{
		Users: []repositories.UserRecord{
			{ID: "u1", Username: "Alice", Metadata: map[string]string{"locale": "fr"}, Connected: true},
		},
		Groups: []repositories.GroupRecord{
			{Name: "general", Members: []string{"u1", "gone"}},
		},
	}))

	e := New(log, event.NewBus(log), states)
	e.Restore()

	alice, ok := e.User("u1")
	req.True(ok)
	req.Equal("Alice", alice.Username)
	req.True(alice.Connected)
	req.Equal("fr", alice.Metadata["locale"])

	group, ok := e.Group("general")
	req.True(ok)
	req.Equal([]string{"u1"}, group.MemberIDs())
}

func TestEngine_Restore_With_Unreadable_Snapshot_Starts_Empty(t *testing.T) {
	req := require.New(t)
	log := slog.Default()
	e := New(log, event.NewBus(log), &failingStates{})

	e.Restore()

	_, ok := e.User("u1")
	req.False(ok)
}

func TestEngine_Persistence_Failure_Is_Contained(t *testing.T) {
	req := require.New(t)
	log := slog.Default()
	states := &failingStates{}
	e := New(log, event.NewBus(log), states)

	// Every mutating operation still succeeds
	_, err := e.ConnectUser("u1", "Alice", nil)
	req.NoError(err)
	message, err := e.SendMessage("u1", "hi")
	req.NoError(err)
	req.NotNil(message)

	req.Equal(2, states.saves)
	user, ok := e.User("u1")
	req.True(ok)
	req.True(user.Connected)
}

func TestEngine_JoinGroup_Requires_Known_User(t *testing.T) {
	req := require.New(t)
	e, _, _ := newTestEngine(t)

	err := e.JoinGroup("general", "ghost")
	req.ErrorIs(err, apperrors.ErrUnknownUser)

	_, ok := e.Group("general")
	req.False(ok)
}

func TestEngine_Group_Membership_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	e, _, _ := newTestEngine(t)
	_, err := e.RegisterUser("u1", "Alice", nil)
	req.NoError(err)

	req.NoError(e.JoinGroup("general", "u1"))
	req.NoError(e.JoinGroup("general", "u1"))
	group, ok := e.Group("general")
	req.True(ok)
	req.Equal(1, group.Size())

	// Leaving twice, or leaving an absent group, is a no-op
	e.LeaveGroup("general", "u1")
	e.LeaveGroup("general", "u1")
	e.LeaveGroup("nowhere", "u1")
	req.Equal(0, group.Size())
}

func TestEngine_CreateGroup_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	e, _, _ := newTestEngine(t)

	first, err := e.CreateGroup("general")
	req.NoError(err)
	second, err := e.CreateGroup("general")
	req.NoError(err)
	req.Same(first, second)

	_, err = e.CreateGroup("")
	req.ErrorIs(err, apperrors.ErrInvalidGroup)
}

func TestEngine_Subscribe_Unknown_Kind_Is_Reported(t *testing.T) {
	req := require.New(t)
	e, _, _ := newTestEngine(t)

	err := e.Subscribe(event.Kind("on_teleport"), func(event.Payload) error { return nil })

	req.ErrorIs(err, apperrors.ErrUnknownEventKind)
}

func TestEngine_Reentrant_Operation_During_Dispatch_Is_Deferred(t *testing.T) {
	req := require.New(t)
	e, bus, _ := newTestEngine(t)

	var order []string
	_, err := bus.Subscribe(event.KindMessage, func(p event.Payload) error {
		order = append(order, "message")
		// Re-enter the engine from inside the dispatch
		e.DisconnectUser(p.User.ID)
		// The disconnect mutation applied immediately...
		user, ok := e.User(p.User.ID)
		req.True(ok)
		req.False(user.Connected)
		return nil
	})
	req.NoError(err)
	_, err = bus.Subscribe(event.KindDisconnect, func(event.Payload) error {
		order = append(order, "disconnect")
		return nil
	})
	req.NoError(err)

	_, err = e.ConnectUser("u1", "Alice", nil)
	req.NoError(err)
	_, err = e.SendMessage("u1", "hi")
	req.NoError(err)

	// ...but its dispatch ran after the in-flight one, never nested
	req.Equal([]string{"message", "disconnect"}, order)
}
