package fmsg

import (
	"errors"
	"strings"
)

// messageError is implemented by error values carrying a user-facing message.
type messageError interface {
	error
	Message() string
}

// PrintError prints the user-facing message attached to err, or fallback
// followed by err when no such message exists.
func PrintError(err error, fallback string) {
	var e messageError
	if errors.As(err, &e) {
		if msg := e.Message(); strings.TrimSpace(msg) != "" {
			std.Print(msg)
			return
		}
	}
	std.Println(fallback, err)
}
