package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const logo = `
==============================================================
     _                _
  __| |_ __ ___  _   _| |_ ___ _ __
 / _` + "`" + ` | '__/ _ \| | | | __/ _ \ '__|
| (_| | | | (_) | |_| | ||  __/ |
 \__,_|_|  \___/ \__,_|\__\___|_|
--------------------------------------------------------------`

const rule = `==============================================================`

// ConfigLine is one label/value pair shown under the logo
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner to stdout.
func Print(title string, config []ConfigLine) {
	Fprint(os.Stdout, title, config)
}

// Fprint writes the banner with aligned config lines to w.
func Fprint(w io.Writer, title string, config []ConfigLine) {
	width := 0
	for _, c := range config {
		width = max(width, len(c.Label))
	}

	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, title)
	for _, c := range config {
		fmt.Fprintf(w, "  %-*s : %s\n", width, c.Label, c.Value)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.TrimSpace(rule))
	fmt.Fprintln(w)
}
