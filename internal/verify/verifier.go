package verify

import (
	"errors"
	"fmt"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
	"github.com/spf13/afero"
)

// SignatureSuffix is appended to a file path to locate its detached signature.
const SignatureSuffix = ".minisig"

// MinisignVerifier checks detached Minisign signatures against a trusted public key.
type MinisignVerifier struct {
	publicKey minisign.PublicKey
}

// NewMinisignVerifier parses the provided Minisign public key. Both the
// two-line key file form and the bare base64 line are accepted.
func NewMinisignVerifier(pubKey string) (*MinisignVerifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	var (
		publicKey minisign.PublicKey
		err       error
	)
	if strings.Contains(pubKey, "\n") {
		publicKey, err = minisign.DecodePublicKey(pubKey)
	} else {
		publicKey, err = minisign.NewPublicKey(pubKey)
	}
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &MinisignVerifier{publicKey: publicKey}, nil
}

// Verify validates signature (the contents of a .minisig file) over data.
func (v *MinisignVerifier) Verify(data, signature []byte) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	sig, err := minisign.DecodeSignature(string(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	ok, err := v.publicKey.Verify(data, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}

// VerifyFile reads path and its detached signature from fs. An empty
// signaturePath defaults to path + ".minisig".
func (v *MinisignVerifier) VerifyFile(fs afero.Fs, path, signaturePath string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("file path is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if strings.TrimSpace(signaturePath) == "" {
		signaturePath = path + SignatureSuffix
	}
	signature, err := afero.ReadFile(fs, signaturePath)
	if err != nil {
		return fmt.Errorf("read signature %q: %w", signaturePath, err)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}
	if err := v.Verify(data, signature); err != nil {
		return fmt.Errorf("verify %q: %w", path, err)
	}
	return nil
}
