// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package goes maps command names to their implementations and runs them.
package goes

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/vca/cmd"
	"github.com/platinasystems/vca/lang"
)

type ByName map[string]*Goes

type Goes struct {
	Name    string
	Main    func(...string) error
	Close   func() error
	Kind    cmd.Kind
	Usage   string
	Apropos lang.Alt
	Man     lang.Alt
}

type byNamer interface {
	ByName(ByName)
}

var Stdout io.Writer = os.Stdout

// Plot commands on map.
func (byName ByName) Plot(cmds ...cmd.Cmd) {
	for _, v := range cmds {
		g := &Goes{
			Name:  v.String(),
			Main:  v.Main,
			Kind:  cmd.WhatKind(v),
			Usage: v.Usage(),
		}
		if _, found := byName[g.Name]; found {
			panic(fmt.Errorf("%s: duplicate", g.Name))
		}
		if method, found := v.(byNamer); found {
			method.ByName(byName)
		}
		if method, found := v.(io.Closer); found {
			g.Close = method.Close
		}
		if method, found := v.(cmd.Aproposer); found {
			g.Apropos = method.Apropos()
		}
		if method, found := v.(cmd.Manner); found {
			g.Man = method.Man()
		}
		byName[g.Name] = g
	}
}

// Names of the interactive commands in sorted order.
func (byName ByName) Names() []string {
	ss := make([]string, 0, len(byName))
	for k, g := range byName {
		if !g.Kind.IsHidden() {
			ss = append(ss, k)
		}
	}
	sort.Strings(ss)
	return ss
}

// Main runs the args[0] command. Without args, this uses os.Args and the
// program's base name selects the command unless it isn't one of ours.
//
// "-h", "-help", "--help", "-apropos", "-man" and "-usage" print the
// respective text instead of running the command.
func (byName ByName) Main(args ...string) error {
	if len(args) == 0 {
		args = os.Args
		if len(args) == 0 {
			return nil
		}
		if _, found := byName[filepath.Base(args[0])]; found {
			args[0] = filepath.Base(args[0])
		} else {
			args = args[1:]
		}
	}
	if len(args) == 0 {
		return byName.help()
	}
	name := args[0]
	g := byName[name]
	if g == nil {
		return fmt.Errorf("%s: command not found", name)
	}
	flag, args := flags.New(args[1:],
		[]string{"-h", "-help", "--help"},
		[]string{"-apropos", "--apropos"},
		[]string{"-man", "--man"},
		[]string{"-usage", "--usage"})
	switch {
	case flag.ByName["-h"], flag.ByName["-usage"]:
		fmt.Fprintln(Stdout, "usage:", g.Usage)
		return nil
	case flag.ByName["-apropos"]:
		fmt.Fprintln(Stdout, g.Apropos.String())
		return nil
	case flag.ByName["-man"]:
		fmt.Fprintln(Stdout, strings.TrimSpace(g.Man.String()))
		return nil
	}
	if g.Kind.IsDaemon() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sig)
		go g.wait(sig)
	}
	err := g.Main(args...)
	if err == io.EOF {
		err = nil
	}
	if err != nil && !g.Kind.IsDaemon() {
		err = fmt.Errorf("%s: %w", name, err)
	}
	return err
}

func (byName ByName) help() error {
	for _, name := range byName.Names() {
		fmt.Fprintf(Stdout, "%-12s %s\n", name, byName[name].Apropos)
	}
	return nil
}

func (g *Goes) wait(ch chan os.Signal) {
	if _, ok := <-ch; !ok {
		return
	}
	if g.Close != nil {
		if err := g.Close(); err != nil {
			fmt.Fprintln(os.Stderr, g.Name, err)
		}
	}
}
