package main

import (
	"fmt"
	"io"

	"golang.org/x/term"
)

// isTTY returns true if the given file descriptor is a terminal.
func isTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// printBanner prints the godbmcp ASCII art banner. When useColor is true,
// ANSI escape codes are used for a cyan/blue/magenta gradient.
func printBanner(w io.Writer, useColor bool) {
	lines := []string{
		`                                                  `,
		`                    _ _                          `,
		`   __ _  ___   __| | |__  _ __ ___   ___ _ __    `,
		`  / _' |/ _ \ / _' | '_ \| '_ ' _ \ / __| '_ \   `,
		` | (_| | (_) | (_| | |_) | | | | | | (__| |_) |  `,
		`  \__, |\___/ \__,_|_.__/|_| |_| |_|\___| .__/   `,
		`  |___/                                 |_|      `,
		`                                                  `,
	}

	if !useColor {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		return
	}
	colors := []string{
		"\033[1;36m", // bold cyan
		"\033[1;36m",
		"\033[1;96m", // bold bright cyan
		"\033[1;34m", // bold blue
		"\033[1;34m",
		"\033[1;35m", // bold magenta
		"\033[1;95m", // bold bright magenta
		"\033[0m",
	}
	for i, line := range lines {
		fmt.Fprintf(w, "%s%s\033[0m\n", colors[i%len(colors)], line)
	}
}
