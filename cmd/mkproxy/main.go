// Command mkproxy signs a delegated proxy certificate.
//
// Usage:
//
//	mkproxy <hours> < public-key.pem credential.pem
//
// Standard input holds the PEM public key to certify immediately followed
// by the PEM proxy credential (certificate, private key, chain). The new
// proxy certificate and the credential's chain are written to standard
// output.
package main

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mauriciomferz/transfer-activation/internal/proxycert"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "mkproxy:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: mkproxy <hours>")
	}
	hours, err := strconv.Atoi(args[0])
	if err != nil || hours <= 0 {
		return fmt.Errorf("invalid hours %q", args[0])
	}

	input, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	pubBlock, rest := pem.Decode(input)
	if pubBlock == nil {
		return errors.New("stdin does not start with a PEM public key")
	}
	publicKeyPEM := pem.EncodeToMemory(pubBlock)

	cred, err := proxycert.ParseCredential(rest)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	chain, err := proxycert.Mint(publicKeyPEM, cred, hours, time.Now())
	if err != nil {
		return err
	}
	_, err = stdout.Write(chain)
	return err
}
