// Copyright © 2018-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package dbg gates debug output of the card management packages.

	dbg.Style.Log(args...)
	dbg.Style.Logf(format, args...)

Where Style may be: NoOp, Plain, FileLine, or Func.

Nothing is printed with NoOp style, no args, or a nil args[0]. If args[0] is
an error, both Log and Logf return it so that,

	return Err.Log(err)

logs and returns in one statement. Packages declare a NoOp style variable
and tests flip it under -v,

	func TestMain(m *testing.M) {
		flag.Parse()
		if testing.Verbose() {
			awt.Dbg = dbg.FileLine
		}
		os.Exit(m.Run())
	}
*/
package dbg

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
)

type Style int

const (
	NoOp     Style = iota
	Plain          // TEXT
	FileLine       // FILE.go:LINE: TEXT
	Func           // PKG.FUNC() TEXT
	nStyles
)

var writer atomic.Value

type sink struct{ io.Writer }

// Writer atomically replaces the os.Stdout default.
func Writer(w io.Writer) {
	writer.Store(sink{w})
}

func (style Style) Log(args ...interface{}) error {
	return style.log("", args...)
}

func (style Style) Logf(format string, args ...interface{}) error {
	return style.log(format, args...)
}

func (style Style) String() string {
	if style < 0 || style >= nStyles {
		return fmt.Sprint(int(style))
	}
	return []string{
		"NoOp",
		"Plain",
		"FileLine",
		"Func",
	}[style]
}

func (style Style) log(format string, args ...interface{}) error {
	const skip = 2
	if len(args) == 0 || args[0] == nil {
		return nil
	}
	err, _ := args[0].(error)
	if style == NoOp {
		return err
	}
	buf := new(bytes.Buffer)
	if style > Plain {
		pc, file, line, ok := runtime.Caller(skip)
		switch {
		case !ok:
			fmt.Fprintf(buf, "pc[%#x] ", pc)
		case style == FileLine:
			fmt.Fprint(buf, filepath.Base(file), ":", line, ": ")
		default:
			fmt.Fprint(buf, runtime.FuncForPC(pc).Name(), "() ")
		}
	}
	if len(format) > 0 {
		fmt.Fprintf(buf, format, args...)
		fmt.Fprintln(buf)
	} else {
		fmt.Fprintln(buf, args...)
	}
	var w io.Writer = os.Stdout
	if s, ok := writer.Load().(sink); ok && s.Writer != nil {
		w = s.Writer
	}
	w.Write(buf.Bytes())
	return err
}
