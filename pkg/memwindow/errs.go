package memwindow

import "errors"

var (
	// ErrOutOfRange indicates a read fell partially or fully outside the
	// guest RAM interval, or the backing file shrank under the reader.
	ErrOutOfRange = errors.New("memwindow: read out of range")

	// ErrClosed indicates an operation on a Window after Close.
	ErrClosed = errors.New("memwindow: window closed")

	// ErrBadConfig indicates a malformed Config (zero-length RAM, bad chunk size).
	ErrBadConfig = errors.New("memwindow: bad config")
)
