// dkimgen generates an RSA key pair for DKIM signing and prints the DNS TXT
// record to publish for the selector.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

func main() {
	domain := flag.String("domain", "", "Domain for DKIM key")
	selector := flag.String("selector", "mail", "DKIM selector")
	outputDir := flag.String("output", ".", "Output directory")
	flag.Parse()

	if *domain == "" {
		log.Fatal("Domain is required")
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("Failed to generate private key: %v", err)
	}

	keyPath := filepath.Join(*outputDir, "private.key")
	privateKeyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		log.Fatalf("Failed to create private key file: %v", err)
	}
	defer privateKeyFile.Close()

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}
	if err := pem.Encode(privateKeyFile, privateKeyPEM); err != nil {
		log.Fatalf("Failed to encode private key: %v", err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		log.Fatalf("Failed to marshal public key: %v", err)
	}

	fmt.Printf("Private key written to %s\n\n", keyPath)
	fmt.Printf("Add this TXT record to your DNS:\n")
	fmt.Printf("%s._domainkey.%s IN TXT \"v=DKIM1;k=rsa;p=%s\"\n",
		*selector, *domain, base64.StdEncoding.EncodeToString(publicKeyBytes))
}
