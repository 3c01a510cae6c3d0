// dmr-token mints participant tokens for local development and testing.
// The kid must match the participant's directory id, and the signing key
// must pair with the certificate the directory serves for it.
package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/buerokratt/DMR/pkg/auth"
)

// Testable variables for main()
var (
	logFatalf = log.Fatalf
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logFatalf("dmr-token: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dmr-token", flag.ContinueOnError)
	keyPath := fs.String("key", "", "path to the RSA private key (PEM)")
	kid := fs.String("kid", "", "participant id, used as the token key id")
	sub := fs.String("sub", "", "token subject (defaults to the kid)")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" || *kid == "" {
		return fmt.Errorf("-key and -kid are required")
	}
	if *sub == "" {
		*sub = *kid
	}

	pemData, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	priv, err := parsePrivateKey(pemData)
	if err != nil {
		return err
	}

	token, err := auth.SignRS256(priv, *kid, auth.NewClaims(*sub, *ttl))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key file")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
