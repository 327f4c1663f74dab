package mitm

import "errors"

// ErrUserCancelled is returned by trustStore.install when the OS-level
// authorization prompt was dismissed by the user rather than failing for
// some other reason, so callers can tell the two apart (spec section 4.1).
var ErrUserCancelled = errors.New("mitm: user cancelled trust installation")

// trustStore probes and mutates the OS trust store for the root CA.
// Implementations must fail closed: an unsupported platform reports the
// CA as untrusted and returns an error on install/uninstall rather than
// panicking or silently succeeding.
type trustStore interface {
	isTrusted(root *RootCa) (bool, error)
	install(root *RootCa) error
	uninstall(root *RootCa) error
}
