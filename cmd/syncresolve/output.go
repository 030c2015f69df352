package main

import "github.com/fatih/color"

var (
	success = color.New(color.FgGreen).SprintFunc()
	failure = color.New(color.FgRed).SprintFunc()
	warning = color.New(color.FgYellow).SprintFunc()
	header  = color.New(color.FgCyan, color.Bold).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
	dim     = color.New(color.Faint).SprintFunc()
)

func statusSuccess(msg string) string { return success("✓") + " " + msg }
func statusWarning(msg string) string { return warning("⚠") + " " + msg }
func statusError(msg string) string   { return failure("✗") + " " + msg }

// riskLabel colours a presentation risk level.
func riskLabel(level string) string {
	switch level {
	case "high":
		return failure(level)
	case "medium":
		return warning(level)
	default:
		return success(level)
	}
}
