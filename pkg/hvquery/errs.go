package hvquery

import "errors"

var (
	// ErrTransport covers socket dial/read/write/timeout failures.
	ErrTransport = errors.New("hvquery: transport error")
	// ErrProtocol covers a malformed or unexpected JSON response.
	ErrProtocol = errors.New("hvquery: protocol error")
)
