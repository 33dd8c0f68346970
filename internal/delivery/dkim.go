package delivery

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/toorop/go-dkim"
)

// DKIMSigner signs outgoing messages with the domain's private key.
type DKIMSigner struct {
	privateKeyPEM []byte
	domain        string
	selector      string
}

func NewDKIMSigner(domain, selector, keyPath string) (*DKIMSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading dkim key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, errors.New("no RSA private key in PEM data")
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("parsing dkim key: %w", err)
	}

	return &DKIMSigner{
		privateKeyPEM: keyData,
		domain:        domain,
		selector:      selector,
	}, nil
}

// Sign returns the message with a DKIM-Signature header prepended.
func (s *DKIMSigner) Sign(message []byte) ([]byte, error) {
	options := dkim.NewSigOptions()
	options.PrivateKey = s.privateKeyPEM
	options.Domain = s.domain
	options.Selector = s.selector
	options.SignatureExpireIn = 3600
	options.Headers = []string{"from", "to", "subject", "date"}
	options.AddSignatureTimestamp = true
	options.Canonicalization = "relaxed/relaxed"

	signed := make([]byte, len(message))
	copy(signed, message)
	if err := dkim.Sign(&signed, options); err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}
	return signed, nil
}
