package transport

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	ncerr "termshare/internal/errors"
)

// defaultKeyNames are the key files probed under ~/.ssh when no
// identity is configured, in preference order.
var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// loadSigners assembles the signers offered for public-key auth.  With
// an explicit identity only that file is used; otherwise the agent and
// the default key files are tried.  needPassphrase reports that at
// least one candidate key is encrypted and could not be unlocked with
// the given passphrase.
func loadSigners(identity, passphrase string) (signers []ssh.Signer, needPassphrase bool, err error) {
	if identity != "" {
		s, need, err := fileSigner(identity, passphrase)
		if s == nil {
			return nil, need, err
		}
		return []ssh.Signer{s}, need, nil
	}

	var out []ssh.Signer
	var need bool

	if s, err := agentSigners(); err == nil {
		out = append(out, s...)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out, need, nil
	}
	var lastErr error
	for _, name := range defaultKeyNames {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, n, err := fileSigner(path, passphrase)
		if n {
			need = true
		}
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, need, lastErr
	}
	return out, need, nil
}

// fileSigner loads one private key file.  needPassphrase is true when
// the key is encrypted and passphrase was empty or wrong.
func fileSigner(path, passphrase string) (ssh.Signer, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, ncerr.WrapKey(path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, false, nil
	}
	var missing *ssh.PassphraseMissingError
	if !ncerr.As(err, &missing) {
		return nil, false, ncerr.WrapKey(path, err)
	}
	if passphrase == "" {
		return nil, true, ncerr.WrapKey(path, ncerr.New("key is encrypted"))
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	if err != nil {
		return nil, true, ncerr.WrapKey(path, err)
	}
	return signer, false, nil
}

// agentSigners returns the signers offered by a running ssh-agent.
func agentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, ncerr.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(conn).Signers()
}

// isAuthFailure distinguishes an authentication denial from a
// transport-level handshake failure.  The ssh package folds both into
// one error, so the denial is recognized by its message.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unable to authenticate") ||
		strings.Contains(s, "no supported methods remain")
}
