package commands

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

func promptPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("store password required: set CROSSAPP_STORE_PASSWORD or run in a terminal")
	}

	_, _ = fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "read password")
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return pw, nil
}
