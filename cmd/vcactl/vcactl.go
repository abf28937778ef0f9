// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package vcactl manages card nodes through the vcad daemon.
package vcactl

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"
	"github.com/platinasystems/vca/internal/lbp"
	"github.com/platinasystems/vca/internal/redis"
	"github.com/platinasystems/vca/internal/vcarpc"
	"github.com/platinasystems/vca/lang"
	"golang.org/x/sync/errgroup"
)

type Command struct {
	// Daemon socket, "vcad" if empty.
	Socket string
	Stdout io.Writer
}

func (*Command) String() string { return "vcactl" }

func (*Command) Usage() string {
	return "vcactl [-redis] [-socket NAME] [-card N [-node N]] COMMAND [ARGS]..."
}

func (*Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "manage accelerator card nodes",
	}
}

func (*Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Without -card, the command applies to every node; with -card and
	without -node, to every node of that card.

COMMANDS
	status
	handshake
	boot ramdisk FILE|URL
	boot blockio|pxe|usb
	flash bios|smb_events|mac|sn FILE|URL
	param NAME [VALUE]
	mac
	time
	state [NAME]
	clear-error
	reset
	timeout NAME MS
	recovery

OPTIONS
	-redis	show status from the published redis fields`,
	}
}

// Main returns the first failure after running the command on every
// selected node.
func (c *Command) Main(args ...string) error {
	flag, args := flags.New(args, "-redis")
	parm, args := parms.New(args, "-socket", "-card", "-node")
	if len(args) == 0 {
		return fmt.Errorf("COMMAND: missing")
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if flag.ByName["-redis"] {
		return c.published()
	}
	socket := parm.ByName["-socket"]
	if len(socket) == 0 {
		socket = c.Socket
	}
	if len(socket) == 0 {
		socket = "vcad"
	}
	op, found := ops[args[0]]
	if !found {
		return fmt.Errorf("%s: unknown command", args[0])
	}
	if len(args)-1 < op.min || len(args)-1 > op.max {
		return fmt.Errorf("%s: usage: %s", args[0], op.usage)
	}
	cl, err := vcarpc.Dial(socket)
	if err != nil {
		return err
	}
	defer cl.Close()
	keys, err := selectKeys(cl, parm.ByName["-card"], parm.ByName["-node"])
	if err != nil {
		return err
	}
	if args[0] == "status" {
		return c.status(cl, keys)
	}
	long := op.image != nil && op.image(args)
	if long {
		fn, cleanup, err := fetch(args[len(args)-1])
		if err != nil {
			return err
		}
		defer cleanup()
		args[len(args)-1] = fn
	}

	var (
		mu  sync.Mutex
		g   errgroup.Group
		out = make(map[lbp.Key]string)
	)
	stop := c.progress(args[0], keys, long)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			s, err := op.do(cl, k, args[1:])
			if err != nil {
				return err
			}
			mu.Lock()
			out[k] = s
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	stop()
	for _, k := range keys {
		if s := out[k]; len(s) > 0 {
			fmt.Fprint(c.Stdout, k, ": ", s, "\n")
		}
	}
	return err
}

// selectKeys returns the daemon's nodes matching the card and node options.
func selectKeys(cl *vcarpc.Client, card, node string) ([]lbp.Key, error) {
	if len(card) == 0 && len(node) > 0 {
		return nil, fmt.Errorf("-node: needs -card")
	}
	st, err := cl.Status()
	if err != nil {
		return nil, err
	}
	var keys []lbp.Key
	for _, s := range st {
		if len(card) > 0 && strconv.Itoa(s.Key.Card) != card {
			continue
		}
		if len(node) > 0 && strconv.Itoa(s.Key.Node) != node {
			continue
		}
		keys = append(keys, s.Key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no such node")
	}
	return keys, nil
}

func (c *Command) status(cl *vcarpc.Client, keys []lbp.Key) error {
	st, err := cl.Status(keys...)
	if err != nil {
		return err
	}
	for _, s := range st {
		fmt.Fprintf(c.Stdout, "%v: %s", s.Key, s.State)
		if s.MemoryMB > 0 {
			fmt.Fprintf(c.Stdout, " protocol %s memory %dMB", s.Version,
				s.MemoryMB)
		}
		fmt.Fprintf(c.Stdout, " windows %d/%d free\n", s.Windows.Free,
			s.Windows.Free+s.Windows.Owned+s.Windows.Member)
	}
	return nil
}

// published prints the daemon's fields in the redis hash.
func (c *Command) published() error {
	m, err := redis.Hgetall(redis.DefaultHash, "vca.")
	if err != nil {
		return err
	}
	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		fmt.Fprint(c.Stdout, field, ": ", m[field], "\n")
	}
	return nil
}

// progress shows the elapsed time of long operations on a terminal.
func (c *Command) progress(name string, keys []lbp.Key, long bool) func() {
	f, ok := c.Stdout.(*os.File)
	if !long || !ok || !isatty.IsTerminal(f.Fd()) {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		start := time.Now()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				fmt.Fprint(f, "\r\033[K")
				return
			case <-t.C:
				fmt.Fprintf(f, "\r%s %d node(s) %s\033[K", name,
					len(keys), time.Since(start).Truncate(time.Second))
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

const bootUsage = "boot ramdisk FILE|URL | boot blockio|pxe|usb"

type op struct {
	usage    string
	min, max int
	// Whether the last argument is an image file or URL.
	image func(args []string) bool
	do    func(cl *vcarpc.Client, k lbp.Key, args []string) (string, error)
}

var ops = map[string]op{
	"status": {usage: "status"},
	"handshake": {
		usage: "handshake",
		do:    simple("Handshake"),
	},
	"boot": {
		usage: bootUsage,
		min:   1,
		max:   2,
		image: func(args []string) bool {
			return len(args) == 3 && args[1] == "ramdisk"
		},
		do: boot,
	},
	"flash": {
		usage: "flash KIND FILE|URL",
		min:   2,
		max:   2,
		image: func([]string) bool { return true },
		do: func(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
			_, err := cl.Do("Flash", vcarpc.FlashArgs{
				Key:  k,
				Kind: args[0],
				Path: args[1],
			})
			return "", err
		},
	},
	"param": {
		usage: "param NAME [VALUE]",
		min:   1,
		max:   2,
		do:    param,
	},
	"mac": {
		usage: "mac",
		do: func(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
			r, err := cl.Do("MAC", vcarpc.Args{Key: k})
			if err != nil {
				return "", err
			}
			return r.Text, nil
		},
	},
	"time": {
		usage: "time",
		do:    simple("SetTime"),
	},
	"state": {
		usage: "state [NAME]",
		max:   1,
		do: func(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
			if len(args) == 0 {
				st, err := cl.Status(k)
				if err != nil || len(st) == 0 {
					return "", err
				}
				return st[0].State, nil
			}
			_, err := cl.Do("SetState", vcarpc.StateArgs{
				Key:   k,
				State: args[0],
			})
			return "", err
		},
	},
	"clear-error": {
		usage: "clear-error",
		do:    simple("ClearError"),
	},
	"reset": {
		usage: "reset",
		do:    simple("Reset"),
	},
	"timeout": {
		usage: "timeout NAME MS",
		min:   2,
		max:   2,
		do: func(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
			ms, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return "", fmt.Errorf("%s: %w", args[1], err)
			}
			_, err = cl.Do("SetTimeout", vcarpc.TimeoutArgs{
				Key:  k,
				Name: args[0],
				MS:   uint32(ms),
			})
			return "", err
		},
	},
	"recovery": {
		usage: "recovery",
		do: func(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
			r, err := cl.Do("Recovery", vcarpc.Args{Key: k})
			if err != nil {
				return "", err
			}
			return r.Text, nil
		},
	},
}

func simple(method string) func(*vcarpc.Client, lbp.Key, []string) (string, error) {
	return func(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
		_, err := cl.Do(method, vcarpc.Args{Key: k})
		return "", err
	}
}

func boot(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
	var err error
	switch {
	case args[0] == "ramdisk" && len(args) == 2:
		_, err = cl.Do("BootRamdisk", vcarpc.Image{Key: k, Path: args[1]})
	case args[0] == "blockio" && len(args) == 1:
		var r *vcarpc.Reply
		if r, err = cl.Do("BootBlockIO", vcarpc.Args{Key: k}); err == nil {
			return fmt.Sprintf("device page %#x", r.Value), nil
		}
	case args[0] == "pxe" && len(args) == 1:
		_, err = cl.Do("BootPXE", vcarpc.Args{Key: k})
	case args[0] == "usb" && len(args) == 1:
		_, err = cl.Do("BootUSB", vcarpc.Args{Key: k})
	default:
		err = fmt.Errorf("boot %s: usage: %s", strings.Join(args, " "),
			bootUsage)
	}
	return "", err
}

func param(cl *vcarpc.Client, k lbp.Key, args []string) (string, error) {
	pa := vcarpc.ParamArgs{Key: k, Param: args[0]}
	if len(args) == 1 {
		r, err := cl.Do("GetParam", pa)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %#x", args[0], r.Value), nil
	}
	v, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return "", fmt.Errorf("%s: %w", args[1], err)
	}
	pa.Value = v
	_, err = cl.Do("SetParam", pa)
	return "", err
}
