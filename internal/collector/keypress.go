package collector

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// waitForKeypress blocks until the operator presses any key. Outside a
// terminal (cron, CI) it returns immediately so unattended runs never hang.
func waitForKeypress(prompt string) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	fmt.Fprint(os.Stdout, prompt)
	state, err := term.MakeRaw(fd)
	if err != nil {
		return
	}
	defer term.Restore(fd, state)
	var buf [1]byte
	os.Stdin.Read(buf[:])
	fmt.Fprintln(os.Stdout)
}
