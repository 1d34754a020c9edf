package logging

import (
	"io"
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stdout, "timelapse ", log.LstdFlags|log.LUTC)
}

// Discard returns a logger for components constructed without one.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
