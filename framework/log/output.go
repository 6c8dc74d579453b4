/*
Package Tracking System - email subscription bus for package metadata.
Copyright © 2023 The Package Tracking System developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type Output interface {
	Write(stamp time.Time, debug bool, msg string)
	Close() error
}

type multiOut struct {
	outs []Output
}

func (m multiOut) Write(stamp time.Time, debug bool, msg string) {
	for _, out := range m.outs {
		out.Write(stamp, debug, msg)
	}
}

func (m multiOut) Close() error {
	for _, out := range m.outs {
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

func MultiOutput(outputs ...Output) Output {
	return multiOut{outputs}
}

type funcOut struct {
	out   func(time.Time, bool, string)
	close func() error
}

func (f funcOut) Write(stamp time.Time, debug bool, msg string) {
	f.out(stamp, debug, msg)
}

func (f funcOut) Close() error {
	return f.close()
}

func FuncOutput(f func(time.Time, bool, string), close func() error) Output {
	return funcOut{f, close}
}

type NopOutput struct{}

func (NopOutput) Write(time.Time, bool, string) {}

func (NopOutput) Close() error { return nil }

type writerOut struct {
	timestamps bool
	w          io.Writer
	close      func() error
}

func (w writerOut) Write(stamp time.Time, debug bool, msg string) {
	builder := strings.Builder{}
	if w.timestamps {
		builder.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		builder.WriteString("[debug] ")
	}
	builder.WriteString(msg)
	builder.WriteRune('\n')
	if _, err := io.WriteString(w.w, builder.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (w writerOut) Close() error {
	return w.close()
}

// WriterOutput returns a log.Output implementation that will write formatted
// messages to the provided io.Writer.
//
// Written messages will include a timestamp formatted with millisecond
// precision and a [debug] prefix for debug messages. If the timestamps
// argument is false, timestamps will not be added.
//
// The returned log.Output does not provide its own serialization so
// goroutine-safety depends on the io.Writer. Most operating systems have
// atomic implementations for stream I/O, so it should be safe to use
// WriterOutput with os.File.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return writerOut{timestamps, w, func() error { return nil }}
}

// WriteCloserOutput is the same as WriterOutput but closing the returned
// log.Output closes the underlying io.WriteCloser.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return writerOut{timestamps, wc, wc.Close}
}
