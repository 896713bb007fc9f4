package commands

import (
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

// openBrowser starts the platform URL handler and falls back to printing the URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Warn("could not start browser", "error", err)
		return printLauncher(url)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func printLauncher(url string) error {
	_, err := fmt.Fprintf(os.Stderr, "\nOpen this page to continue in your wallet:\n  %s\n\n", url)
	return err
}
