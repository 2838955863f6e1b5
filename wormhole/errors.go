package wormhole

import "fmt"

// UsageError is returned synchronously when an API is misused, e.g.
// setting the code twice or deriving a key before one exists. It does not
// poison the session.
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string { return e.msg }

func usageErrorf(format string, v ...interface{}) *UsageError {
	return &UsageError{msg: fmt.Sprintf(format, v...)}
}

// WelcomeError is a sticky error raised when the rendezvous server signals
// an error in its welcome message, e.g. because this client is too old.
type WelcomeError struct {
	Message string
}

func (e *WelcomeError) Error() string { return "welcome error: " + e.Message }

// WrongPasswordError is a sticky error raised when the confirmation message
// or any subsequent application message fails to decrypt, meaning the two
// sides do not share the same code.
type WrongPasswordError struct{}

func (e *WrongPasswordError) Error() string {
	return "wrong password: confirmation or message decryption failed"
}

// ServerError is a sticky error raised when the rendezvous server sends a
// fatal "error" frame.
type ServerError struct {
	Message string
	Orig    string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// ErrClosed is returned by any result still pending when Close is called.
type ErrClosed struct{}

func (e *ErrClosed) Error() string { return "wormhole: session closed" }
