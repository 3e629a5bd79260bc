package errors

import "fmt"

var (
	ErrDuplicateUser       = fmt.Errorf("user already registered")
	ErrUnknownUser         = fmt.Errorf("unknown user")
	ErrInvalidUser         = fmt.Errorf("invalid user request")
	ErrInvalidGroup        = fmt.Errorf("invalid group name")
	ErrNotConnected        = fmt.Errorf("user not connected")
	ErrUnknownEventKind    = fmt.Errorf("unknown event kind")
	ErrExtensionNotFound   = fmt.Errorf("extension not found")
	ErrExtensionLoaded     = fmt.Errorf("extension already loaded")
	ErrExtensionLoadFailed = fmt.Errorf("extension load failed")
	ErrExtensionNotLoaded  = fmt.Errorf("extension not loaded")
	ErrPersistence         = fmt.Errorf("state persistence failed")
)
