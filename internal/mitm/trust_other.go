//go:build !darwin

package mitm

import "fmt"

// platformTrustStore is the fail-closed stub used on platforms without a
// scripted trust-store integration. isTrusted always reports false so the
// MITM decision falls back to FORCE_MITM/explicit tunnelling, and
// install/uninstall return an explicit unsupported-platform error rather
// than silently doing nothing.
type platformTrustStore struct{}

func (platformTrustStore) isTrusted(root *RootCa) (bool, error) {
	return false, nil
}

func (platformTrustStore) install(root *RootCa) error {
	return fmt.Errorf("mitm: automatic trust-store installation is not supported on this platform; import %s manually", caCertFile)
}

func (platformTrustStore) uninstall(root *RootCa) error {
	return fmt.Errorf("mitm: automatic trust-store removal is not supported on this platform")
}
