// Package pemfile manages the console's SSH host key: a PEM-encoded RSA key
// generated on first start and reused afterwards so clients keep a stable
// host fingerprint.
package pemfile

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	gossh "golang.org/x/crypto/ssh"
)

// GenKeyPair writes a new 4096-bit RSA private key to keyPath and its SSH
// public key, in authorized_keys format, to pubPath.
func GenKeyPair(keyPath string, pubPath string) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return err
	}
	keyBytes := x509.MarshalPKCS1PrivateKey(privateKey)

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: keyBytes,
		}),
		0600,
	); err != nil {
		return err
	}

	pub, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return err
	}
	return os.WriteFile(pubPath, gossh.MarshalAuthorizedKey(pub), 0600)
}

// EnsureSigner loads the host key at keyPath, generating it (and pubPath)
// first if missing.
func EnsureSigner(keyPath string, pubPath string) (gossh.Signer, []byte, error) {
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := GenKeyPair(keyPath, pubPath); err != nil {
			return nil, nil, err
		}
	} else if err != nil {
		return nil, nil, err
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, nil, err
	}
	return signer, pemBytes, nil
}
