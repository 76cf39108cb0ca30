package cmd

import (
	"fmt"
	"log/slog"

	"github.com/fatih/color"
)

const (
	Plain   = color.FgWhite
	Success = color.FgGreen
	Warning = color.FgYellow
	Error   = color.FgRed
)

var maybeColorize func(kind color.Attribute, tmpl string, a ...any) string

func init() {
	initColors()
}

func initColors() {
	if color.NoColor || colorDisabled {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return fmt.Sprintf(tmpl, a...)
		}
	} else {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return color.New(kind).SprintfFunc()(tmpl, a...)
		}
	}
}

func printMessage(kind color.Attribute, tmpl string, a ...any) {
	if maybeColorize == nil || kind == Plain {
		fmt.Printf(tmpl+"\n", a...)
	} else {
		fmt.Println(maybeColorize(kind, tmpl, a...))
	}
}

func handleCommandError(action string, err error) {
	slog.Error("Command failed", "layer", "cmd", "action", action, "error", err)
	printMessage(Error, "Error %s: %s", action, err)
}
