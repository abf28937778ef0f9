// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package vcarpc has the argument and reply types of the card daemon's RPC
// service, and a client for them.
package vcarpc

import (
	"fmt"
	"net/rpc"

	"github.com/platinasystems/atsock"
	"github.com/platinasystems/vca/internal/awt"
	"github.com/platinasystems/vca/internal/lbp"
)

// Service is the registered receiver name.
const Service = "Info"

type Args struct {
	Key lbp.Key
}

// Image names a file readable by the daemon.
type Image struct {
	Key  lbp.Key
	Path string
}

type FlashArgs struct {
	Key  lbp.Key
	Kind string
	Path string
}

type ParamArgs struct {
	Key   lbp.Key
	Param string
	Value uint64
}

type StateArgs struct {
	Key   lbp.Key
	State string
}

type TimeoutArgs struct {
	Key  lbp.Key
	Name string
	MS   uint32
}

// Reply carries an operation's result code instead of an RPC error so that
// clients can match it with errors.Is.
type Reply struct {
	Code  lbp.Code
	Msg   string
	Value uint64
	Text  string
}

// Err reconstructs the operation's error.
func (r *Reply) Err() error {
	if r.Code == lbp.StateOK {
		return nil
	}
	return &Error{Msg: r.Msg, Code: r.Code}
}

type Error struct {
	Msg  string
	Code lbp.Code
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Code }

// Set the reply from an operation's error.
func (r *Reply) Set(err error) {
	r.Code = lbp.CodeOf(err)
	if err != nil {
		r.Msg = err.Error()
	}
}

// Status of one card node.
type Status struct {
	Key      lbp.Key
	State    string
	Version  string
	MemoryMB uint32
	Session  string
	Timeouts lbp.Timeouts
	Windows  awt.Stats
}

type StatusArgs struct {
	// Every node if empty.
	Keys []lbp.Key
}

// Client of a daemon's abstract socket.
type Client struct {
	*rpc.Client
}

func Dial(name string) (*Client, error) {
	cl, err := atsock.NewRpcClient(name)
	if err != nil {
		return nil, err
	}
	return &Client{cl}, nil
}

// Do calls the named method and returns the operation's error.
func (c *Client) Do(method string, args interface{}) (*Reply, error) {
	var r Reply
	if err := c.Call(Service+"."+method, args, &r); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return &r, r.Err()
}

func (c *Client) Status(keys ...lbp.Key) ([]Status, error) {
	var st []Status
	err := c.Call(Service+".Status", StatusArgs{Keys: keys}, &st)
	return st, err
}
