// Package event defines the engine lifecycle events and the dispatch
// bus connecting the facade to its subscribers, extensions included.
package event

import "italk-core/domain"

// Kind names a lifecycle event. The set is fixed; the bus rejects
// anything else.
type Kind string

const (
	KindInit       Kind = "on_init"
	KindConnect    Kind = "on_connect"
	KindDisconnect Kind = "on_disconnect"
	KindMessage    Kind = "on_message"
	KindError      Kind = "on_error"
)

// Kinds returns every accepted event kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindInit, KindConnect, KindDisconnect, KindMessage, KindError}
}

func (k Kind) Valid() bool {
	switch k {
	case KindInit, KindConnect, KindDisconnect, KindMessage, KindError:
		return true
	default:
		return false
	}
}

// Payload carries the entities attached to one dispatch. Fields are nil
// when the kind does not involve them.
type Payload struct {
	User    *domain.User
	Message *domain.Message
	Err     error
}

// Callback is one subscriber. A returned error is reported by the bus
// and never interrupts the dispatch to the remaining subscribers.
type Callback func(p Payload) error
