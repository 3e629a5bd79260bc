// Package extension loads, unloads, and reloads Lua behavior modules
// and binds their hook functions into the event bus.
package extension

import (
	"fmt"
	"time"

	lua "github.com/Shopify/go-lua"

	"italk-core/domain"
	"italk-core/event"
)

// API is the slice of the engine surface exposed to Lua hooks through
// the global `engine` table. Implementations must tolerate being
// called from inside a dispatch.
type API interface {
	Log(msg string)
	Send(userID, content string)
	Disconnect(userID string)
}

// Module wraps one loaded Lua file and its interpreter state. The
// state is not safe for concurrent use; dispatches are serialized by
// the engine's dispatch gate.
type Module struct {
	name  string
	state *lua.State
}

// openModule runs the script body once. Any failure leaves no state
// behind: the caller registers nothing.
func openModule(name, path string, api API) (*Module, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	registerEngineTable(state, api)

	if err := lua.LoadFile(state, path, ""); err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}
	return &Module{name: name, state: state}, nil
}

func (m *Module) Name() string {
	return m.name
}

// exports reports whether the script defined a global function named
// after the hook kind.
func (m *Module) exports(kind event.Kind) bool {
	m.state.Global(string(kind))
	defined := m.state.TypeOf(-1) == lua.TypeFunction
	m.state.Pop(1)
	return defined
}

// hook wraps the exported Lua function as a bus callback. A Lua error
// surfaces as a regular callback error, which the bus contains.
func (m *Module) hook(kind event.Kind) event.Callback {
	return func(p event.Payload) error {
		m.state.Global(string(kind))
		argCount := pushPayload(m.state, kind, p)
		if err := m.state.ProtectedCall(argCount, 0, 0); err != nil {
			return fmt.Errorf("%s.%s: %w", m.name, kind, err)
		}
		return nil
	}
}

// pushPayload marshals the payload into hook arguments, mirroring the
// extension contract: on_connect/on_disconnect receive the user,
// on_message receives the user and the message, on_error receives the
// failure text, on_init receives nothing.
func pushPayload(state *lua.State, kind event.Kind, p event.Payload) int {
	switch kind {
	case event.KindConnect, event.KindDisconnect:
		pushUser(state, p.User)
		return 1
	case event.KindMessage:
		pushUser(state, p.User)
		pushMessage(state, p.Message)
		return 2
	case event.KindError:
		if p.Err != nil {
			state.PushString(p.Err.Error())
		} else {
			state.PushString("")
		}
		return 1
	default:
		return 0
	}
}

func pushUser(state *lua.State, user *domain.User) {
	state.NewTable()
	if user == nil {
		return
	}
	state.PushString(user.ID)
	state.SetField(-2, "id")
	state.PushString(user.Username)
	state.SetField(-2, "username")
	state.PushBoolean(user.Connected)
	state.SetField(-2, "connected")
}

func pushMessage(state *lua.State, message *domain.Message) {
	state.NewTable()
	if message == nil {
		return
	}
	state.PushString(message.ID.String())
	state.SetField(-2, "id")
	state.PushString(message.Content)
	state.SetField(-2, "content")
	state.PushString(message.CreatedAt.Format(time.RFC3339Nano))
	state.SetField(-2, "at")
}

// registerEngineTable exposes the engine API as a global `engine`
// table, the way hooks reach back into the core.
func registerEngineTable(state *lua.State, api API) {
	functions := []lua.RegistryFunction{
		{Name: "log", Function: func(l *lua.State) int {
			api.Log(lua.CheckString(l, 1))
			return 0
		}},
		{Name: "send", Function: func(l *lua.State) int {
			api.Send(lua.CheckString(l, 1), lua.CheckString(l, 2))
			return 0
		}},
		{Name: "disconnect", Function: func(l *lua.State) int {
			api.Disconnect(lua.CheckString(l, 1))
			return 0
		}},
	}
	state.NewTable()
	lua.SetFunctions(state, functions, 0)
	state.SetGlobal("engine")
}
