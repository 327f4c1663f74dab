//go:build darwin

package mitm

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// platformTrustStore shells out to the macOS `security` CLI, mirroring
// the original Tauri app's keychain-search/add-trusted-cert logic.
type platformTrustStore struct{}

var sha256HashPattern = regexp.MustCompile(`SHA-(?:256|1) hash:\s*[0-9A-F]{40,64}`)

// isTrusted searches the user and system keychain domains for a
// certificate matching the root CA's common name.
func (platformTrustStore) isTrusted(root *RootCa) (bool, error) {
	keychains := candidateKeychains()
	for kc := range keychains {
		out, err := exec.Command("/usr/bin/security", "find-certificate", "-a", "-Z", "-c", root.Cert.Subject.CommonName, kc).Output()
		if err != nil {
			continue
		}
		s := string(out)
		if sha256HashPattern.MatchString(s) || strings.Contains(s, "-----BEGIN CERTIFICATE-----") {
			return true, nil
		}
	}
	return false, nil
}

// install writes the root certificate to disk and adds it to the system
// keychain as a trusted root via `security add-trusted-cert`, prompting
// for administrator privileges through osascript.
func (platformTrustStore) install(root *RootCa) error {
	path, err := writeRootCertTempFile(root)
	if err != nil {
		return err
	}
	const systemKeychain = "/Library/Keychains/System.keychain"

	shCmd := fmt.Sprintf(
		"/usr/bin/security unlock-keychain -d system '%s' && /usr/bin/security add-trusted-cert -d -r trustRoot -p ssl -k '%s' '%s'",
		systemKeychain, systemKeychain, path,
	)
	osaScript := fmt.Sprintf(
		`do shell script "%s" with administrator privileges with prompt "llmproxy needs administrator privileges to install the trusted root certificate"`,
		strings.ReplaceAll(strings.ReplaceAll(shCmd, `\`, `\\`), `"`, `\"`),
	)
	out, err := exec.Command("/usr/bin/osascript", "-e", osaScript).CombinedOutput()
	if err == nil {
		return nil
	}
	if bytes.Contains(out, []byte("User canceled")) {
		return ErrUserCancelled
	}

	cmd := exec.Command("/usr/bin/security", "add-trusted-cert", "-d", "-r", "trustRoot", "-p", "ssl", "-k", systemKeychain, path)
	if err := cmd.Run(); err == nil {
		return nil
	}

	return fmt.Errorf("automatic install to the system keychain failed; run manually: sudo security add-trusted-cert -d -r trustRoot -p ssl -k %s %s", systemKeychain, path)
}

// uninstall removes any trusted-cert entries for the root CA from every
// keychain domain it might have been installed into.
func (platformTrustStore) uninstall(root *RootCa) error {
	path, err := writeRootCertTempFile(root)
	if err != nil {
		return err
	}
	var lastErr error
	for kc := range candidateKeychains() {
		cmd := exec.Command("/usr/bin/security", "remove-trusted-cert", "-d", path, kc)
		if err := cmd.Run(); err != nil {
			lastErr = err
		}
	}
	cmd := exec.Command("/usr/bin/security", "delete-certificate", "-c", root.Cert.Subject.CommonName)
	if err := cmd.Run(); err != nil {
		lastErr = err
	}
	return lastErr
}

func writeRootCertTempFile(root *RootCa) (string, error) {
	f, err := os.CreateTemp("", "llmproxy-root-*.pem")
	if err != nil {
		return "", fmt.Errorf("write root cert temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(root.CertPEM); err != nil {
		return "", fmt.Errorf("write root cert temp file: %w", err)
	}
	return f.Name(), nil
}

func candidateKeychains() map[string]struct{} {
	set := map[string]struct{}{
		"/Library/Keychains/System.keychain":                     {},
		"/System/Library/Keychains/SystemRootCertificates.keychain": {},
	}
	if home := os.Getenv("HOME"); home != "" {
		set[home+"/Library/Keychains/login.keychain-db"] = struct{}{}
	}
	for _, domain := range []string{"user", "system"} {
		out, err := exec.Command("/usr/bin/security", "list-keychains", "-d", domain).Output()
		if err != nil {
			continue
		}
		for _, line := range bytes.Split(out, []byte("\n")) {
			s := strings.TrimSpace(string(line))
			s = strings.Trim(s, `"`)
			if s != "" {
				set[s] = struct{}{}
			}
		}
	}
	return set
}
