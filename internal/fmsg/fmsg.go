// Package fmsg provides various functions for output messages.
package fmsg

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "kist: ", 0)

func SetPrefix(prefix string) { std.SetPrefix(prefix + ": ") }

func Print(v ...any)                 { std.Print(v...) }
func Printf(format string, v ...any) { std.Printf(format, v...) }
func Println(v ...any)               { std.Println(v...) }

func Fatal(v ...any) {
	std.Print(v...)
	os.Exit(1)
}

func Fatalf(format string, v ...any) {
	std.Printf(format, v...)
	os.Exit(1)
}
