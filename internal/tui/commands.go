package tui

import (
	"strconv"
	"strings"
)

// Command represents a parsed slash command.
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a slash command string into a Command.
// Returns nil if the input is not a valid command.
func ParseCommand(input string) *Command {
	input = strings.TrimSpace(input)
	if input == "" || input[0] != '/' {
		return nil
	}

	parts := strings.Fields(input)
	return &Command{
		Name: parts[0],
		Args: parts[1:],
	}
}

// SlotArg returns the first argument as a slot index.
func (c *Command) SlotArg() (int, bool) {
	if len(c.Args) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(c.Args[0])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
