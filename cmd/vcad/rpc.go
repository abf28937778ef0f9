// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package vcad

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/platinasystems/log"
	"github.com/platinasystems/vca/internal/lbp"
	"github.com/platinasystems/vca/internal/vcarpc"
)

// The exported Info methods are the daemon's RPC service. Each returns nil
// unless the request couldn't be decoded; the operation's result is in the
// reply.

func (i *Info) Status(args vcarpc.StatusArgs, reply *[]vcarpc.Status) error {
	keys := args.Keys
	if len(keys) == 0 {
		keys = i.nodes.Keys()
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	for _, k := range keys {
		n, err := i.node(k)
		if err != nil {
			return err
		}
		*reply = append(*reply, vcarpc.Status{
			Key:      k,
			State:    n.State().String(),
			Version:  n.Status().Version().String(),
			MemoryMB: n.memoryMB,
			Session:  n.Session().String(),
			Timeouts: n.GetTimeouts(),
			Windows:  n.table.Stats(),
		})
	}
	return nil
}

// do runs op on the node and sets the reply from its result.
func (i *Info) do(k lbp.Key, reply *vcarpc.Reply,
	op func(context.Context, *node) error) error {
	n, err := i.node(k)
	if err == nil {
		ctx := i.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		err = op(ctx, n)
	}
	reply.Set(err)
	return nil
}

func (i *Info) Handshake(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		if err := n.Handshake(ctx); err != nil {
			return err
		}
		i.handshook(n)
		return nil
	})
}

// image opens the named file and passes it with its size to fn.
func image(fn string, f func(*os.File, int64) error) error {
	r, err := os.Open(fn)
	if err != nil {
		return fmt.Errorf("%w: %v", lbp.BadParameterValue, err)
	}
	defer r.Close()
	fi, err := r.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", lbp.BadParameterValue, err)
	}
	return f(r, fi.Size())
}

func (i *Info) BootRamdisk(args vcarpc.Image, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		return image(args.Path, func(r *os.File, size int64) error {
			log.Print("daemon", "info", n.Key, " boot ", args.Path)
			return n.BootRamdisk(ctx, r, size)
		})
	})
}

func (i *Info) BootBlockIO(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		devpage, err := n.BootBlockIO(ctx)
		reply.Value = devpage
		return err
	})
}

func (i *Info) BootPXE(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		return n.BootPXE(ctx)
	})
}

func (i *Info) BootUSB(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		return n.BootUSB(ctx)
	})
}

func (i *Info) Flash(args vcarpc.FlashArgs, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		kind, err := lbp.ParseFlashKind(args.Kind)
		if err != nil {
			return err
		}
		return image(args.Path, func(r *os.File, size int64) error {
			log.Print("daemon", "info", n.Key, " flash ", kind, " ",
				args.Path)
			return n.Flash(ctx, kind, r, size)
		})
	})
}

func (i *Info) SetParam(args vcarpc.ParamArgs, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		p, err := lbp.ParseParam(args.Param)
		if err != nil {
			return err
		}
		return n.SetParam(ctx, p, args.Value)
	})
}

func (i *Info) GetParam(args vcarpc.ParamArgs, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		p, err := lbp.ParseParam(args.Param)
		if err != nil {
			return err
		}
		reply.Value, err = n.GetParam(ctx, p)
		return err
	})
}

func (i *Info) MAC(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		mac, err := n.MAC(ctx)
		if err == nil {
			reply.Text = mac.String()
		}
		return err
	})
}

// SetTime sends the daemon's clock.
func (i *Info) SetTime(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		return n.SetTime(ctx, time.Now())
	})
}

func (i *Info) SetState(args vcarpc.StateArgs, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		st, err := lbp.ParseState(args.State)
		if err != nil {
			return fmt.Errorf("%w: %v", lbp.BadParameterValue, err)
		}
		if err = n.SetState(st); err == nil {
			i.update()
		}
		return err
	})
}

func (i *Info) ClearError(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		return n.ClearError(ctx)
	})
}

// Reset leaves the node down; it must be handshaken again.
func (i *Info) Reset(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		if err := n.reset(); err != nil {
			return fmt.Errorf("%w: %v", lbp.InternalError, err)
		}
		i.mutex.Lock()
		n.memoryMB = 0
		i.mutex.Unlock()
		i.update()
		return nil
	})
}

func (i *Info) SetTimeout(args vcarpc.TimeoutArgs, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		return n.SetTimeout(args.Name, args.MS)
	})
}

func (i *Info) Recovery(args vcarpc.Args, reply *vcarpc.Reply) error {
	return i.do(args.Key, reply, func(ctx context.Context, n *node) error {
		reply.Text = n.Recovery().String()
		return nil
	})
}
