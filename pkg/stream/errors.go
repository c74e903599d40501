package stream

import "errors"

// Common error variables the client may return.
var (
	// ErrNotConnected is returned when an operation needs a live primary
	// socket and none is available.
	ErrNotConnected = errors.New("stream client not connected")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("stream client closed")

	// ErrSymbolNotListed is returned when the normalizer and resolver agree
	// that no tradable wire symbol exists for the requested pair.
	ErrSymbolNotListed = errors.New("symbol not listed")

	// ErrAuthRequired is returned by private operations when the primary
	// socket could not be authenticated.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNoCredentials is returned when authentication is requested but no
	// credential signer was configured.
	ErrNoCredentials = errors.New("no credential signer configured")

	// ErrUnknownCommand is returned for opcodes outside the private command
	// surface.
	ErrUnknownCommand = errors.New("unknown private command opcode")
)

// CommandResult is the structured outcome of a private command send.
// Command rejections and transport failures are routine trading outcomes,
// so they are values rather than panics.
type CommandResult struct {
	OK    bool
	Count int
	Err   error
}

func commandFailure(err error) CommandResult {
	return CommandResult{Err: err}
}

func commandSuccess(count int) CommandResult {
	return CommandResult{OK: true, Count: count}
}
