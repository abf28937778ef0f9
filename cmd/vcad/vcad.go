// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package vcad is the accelerator card manager daemon. It owns the
// configured card nodes, serves the vcactl RPCs on an abstract socket and
// publishes each node's state to redis.
package vcad

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/atsock"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"
	"github.com/platinasystems/vca/cmd"
	"github.com/platinasystems/vca/internal/config"
	"github.com/platinasystems/vca/internal/lbp"
	"github.com/platinasystems/vca/internal/redis"
	"github.com/platinasystems/vca/internal/redis/publisher"
	"github.com/platinasystems/vca/lang"
	"golang.org/x/sync/errgroup"
)

type Command struct {
	Info
	// Configuration file, config.DefaultPath if empty.
	Config string
}

type Info struct {
	mutex sync.Mutex
	cfg   *config.Config
	nodes *lbp.Registry
	byKey map[lbp.Key]*node
	rpc   *atsock.RpcServer
	pub   *publisher.Publisher
	stop  chan struct{}
	ctx   context.Context
}

func (*Command) String() string { return "vcad" }

func (*Command) Usage() string { return "vcad [-simulate] [-config FILE]" }

func (*Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "accelerator card manager daemon",
	}
}

func (*Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Handshake with, boot and flash the configured card nodes.

OPTIONS
	-config FILE
		TOML configuration, default ` + config.DefaultPath + `

	-simulate
		Run each configured node against the firmware simulator.`,
	}
}

func (*Command) Kind() cmd.Kind { return cmd.Daemon }

func (c *Command) Main(args ...string) error {
	flag, args := flags.New(args, "-simulate")
	parm, args := parms.New(args, "-config")
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected", args)
	}
	fn := parm.ByName["-config"]
	if len(fn) == 0 {
		fn = c.Config
	}
	if len(fn) == 0 {
		fn = config.DefaultPath
	}
	cfg, err := config.Load(fn)
	if err != nil {
		return err
	}
	if flag.ByName["-simulate"] {
		cfg.Daemon.Simulate = true
	}
	if !cfg.Daemon.Simulate {
		if err = redis.IsReady(); err != nil {
			return err
		}
	}
	redis.DefaultHash = cfg.Daemon.Hash

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	c.stop = make(chan struct{})
	if err = c.init(ctx, cfg); err != nil {
		return err
	}
	defer c.release()

	if c.pub, err = publisher.New(); err != nil {
		return err
	}
	for _, k := range c.nodes.Keys() {
		c.byKey[k].start(ctx, g)
	}
	if c.rpc, err = atsock.NewRpcServer(cfg.Daemon.Socket); err != nil {
		return err
	}
	rpc.Register(&c.Info)

	if len(cfg.Daemon.Metrics) > 0 {
		g.Go(func() error { return serveMetrics(ctx, cfg.Daemon.Metrics) })
	}
	for _, k := range c.nodes.Keys() {
		n := c.byKey[k]
		g.Go(func() error {
			c.handshake(ctx, n)
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(cfg.Daemon.Publish.Duration)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				cancel()
				return nil
			case <-ctx.Done():
				return nil
			case <-t.C:
				c.update()
			}
		}
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (c *Command) Close() error {
	close(c.stop)
	return nil
}

// init opens every configured node.
func (i *Info) init(ctx context.Context, cfg *config.Config) error {
	i.cfg = cfg
	i.ctx = ctx
	i.nodes = lbp.NewRegistry()
	i.byKey = make(map[lbp.Key]*node)
	for _, cc := range cfg.Cards {
		n, err := i.open(cc)
		if err != nil {
			i.release()
			return err
		}
		if err = i.nodes.Add(n.Context); err != nil {
			n.close()
			i.release()
			return err
		}
		i.byKey[n.Key] = n
		log.Print("daemon", "info", n.Key, " ", cc.PCI, " ",
			n.table.Len(), " segments of ", n.table.SegmentSize())
	}
	return nil
}

func (i *Info) release() {
	for _, k := range i.nodes.Keys() {
		i.nodes.Remove(k)
		i.byKey[k].close()
		delete(i.byKey, k)
	}
	if i.rpc != nil {
		i.rpc.Close()
		i.rpc = nil
	}
	if i.pub != nil {
		i.pub.Close()
	}
}

func (i *Info) node(k lbp.Key) (*node, error) {
	if _, err := i.nodes.Get(k); err != nil {
		return nil, fmt.Errorf("%w: %v", lbp.BadParameterValue, err)
	}
	return i.byKey[k], nil
}

// handshake retries until the node answers or the daemon stops.
func (i *Info) handshake(ctx context.Context, n *node) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		err := n.Handshake(ctx)
		if err == nil {
			i.handshook(n)
			return
		}
		if ctx.Err() != nil || errors.Is(err, lbp.InternalError) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

func (i *Info) handshook(n *node) {
	mb := n.MemoryMB()
	i.mutex.Lock()
	n.memoryMB = mb
	i.mutex.Unlock()
	p := n.prefix()
	i.set(p+"session", n.Session())
	i.set(p+"version", n.Status().Version())
	i.set(p+"memory_mb", mb)
	i.update()
}

// rebooted is called from the deferred doorbell phase.
func (i *Info) rebooted(k lbp.Key) {
	n, err := i.node(k)
	if err != nil {
		return
	}
	i.set(n.prefix()+"rebooted", time.Now().Format(time.RFC3339))
	if i.ctx != nil {
		go i.handshake(i.ctx, n)
	}
}

func (i *Info) set(field string, v interface{}) {
	if i.pub == nil {
		return
	}
	if err := i.pub.Set(field, v); err != nil {
		log.Print("daemon", "debug", field, ": ", err)
	}
}

// update publishes changed node states and table use.
func (i *Info) update() {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	for _, k := range i.nodes.Keys() {
		n := i.byKey[k]
		st := n.table.Stats()
		observe(n, st)
		if i.pub == nil {
			continue
		}
		p := n.prefix()
		for field, v := range map[string]interface{}{
			"state":          n.State(),
			"windows.free":   st.Free,
			"windows.owned":  st.Owned,
			"windows.unused": st.Unused,
		} {
			if err := i.pub.Update(p+field, v); err != nil {
				log.Print("daemon", "debug", p+field, ": ", err)
			}
		}
	}
}
