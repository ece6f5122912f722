package main

import (
	"fmt"
	"os"
)

// Status lines go to stderr so stdout stays clean for machine-readable
// command output (call records, export bundles).

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printTagged(color, tag, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, tag+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	printTagged(colorGreen, "✓", format, args...)
}

func printError(format string, args ...any) {
	printTagged(colorRed, "✗", format, args...)
}

func printWarning(format string, args ...any) {
	printTagged(colorYellow, "⚠", format, args...)
}

func printStep(format string, args ...any) {
	printTagged(colorCyan, "→", format, args...)
}

// printStatus renders one "label: value" line of the status report.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n",
		colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
