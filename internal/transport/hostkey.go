package transport

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// hostKeyCallback returns an ssh.HostKeyCallback implementing TOFU
// (Trust On First Use), matching OpenSSH behavior:
//   - known host with matching key: accept
//   - known host with a different key: reject (possible MITM)
//   - unknown host: accept and append to known_hosts
func hostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Warn("cannot resolve home dir for known_hosts check", "error", err)
			return nil
		}
		knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")

		host, port, _ := net.SplitHostPort(hostname)
		if host == "" {
			host = hostname
		}

		fingerprint := sha256.Sum256(key.Marshal())
		fpStr := base64.StdEncoding.EncodeToString(fingerprint[:])

		found, mismatch := checkKnownHost(knownHostsPath, host, port, key)
		if mismatch {
			return fmt.Errorf("host key mismatch for %s (fingerprint SHA256:%s); "+
				"remove the old entry from %s to proceed", host, fpStr, knownHostsPath)
		}
		if found {
			return nil
		}

		slog.Info("new host key, adding to known_hosts", "host", host, "fingerprint", "SHA256:"+fpStr)
		if err := appendKnownHost(knownHostsPath, host, port, key); err != nil {
			slog.Warn("failed to write known_hosts", "error", err)
		}
		return nil
	}
}

// checkKnownHost scans known_hosts for the host. found is true when the host
// exists with a matching key, mismatch when it exists with a different key
// of the same type.
func checkKnownHost(knownHostsPath, host, port string, key ssh.PublicKey) (found bool, mismatch bool) {
	f, err := os.Open(knownHostsPath)
	if err != nil {
		return false, false
	}
	defer f.Close()

	keyType := key.Type()
	keyData := base64.StdEncoding.EncodeToString(key.Marshal())

	hostPatterns := []string{host}
	if port != "" && port != "22" {
		hostPatterns = append(hostPatterns, fmt.Sprintf("[%s]:%s", host, port))
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		lineHosts := strings.Split(fields[0], ",")
		for _, pattern := range hostPatterns {
			for _, lh := range lineHosts {
				if strings.TrimSpace(lh) != pattern {
					continue
				}
				if fields[1] == keyType && fields[2] == keyData {
					return true, false
				}
				if fields[1] == keyType {
					return false, true
				}
			}
		}
	}
	return false, false
}

func appendKnownHost(knownHostsPath, host, port string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	hostEntry := host
	if port != "" && port != "22" {
		hostEntry = fmt.Sprintf("[%s]:%s", host, port)
	}
	keyData := base64.StdEncoding.EncodeToString(key.Marshal())
	_, err = fmt.Fprintf(f, "%s %s %s\n", hostEntry, key.Type(), keyData)
	return err
}
