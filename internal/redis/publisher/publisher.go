// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package publisher sends "field: value" lines to the redis server's
// datagram socket, which sets them in its default hash.
package publisher

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
)

const DefaultAddr = "@redis.pub"

func New() (*Publisher, error) { return Dial(DefaultAddr) }

// Dial returns a publisher to the given unixgram address. The connection
// is made on first use and remade after a failed write.
func Dial(addr string) (*Publisher, error) {
	ua, err := net.ResolveUnixAddr("unixgram", addr)
	return &Publisher{
		addr: ua,
		buf:  new(bytes.Buffer),
		last: make(map[string]string),
	}, err
}

type Publisher struct {
	sync.Mutex
	addr *net.UnixAddr
	conn *net.UnixConn
	buf  *bytes.Buffer
	last map[string]string
}

func (p *Publisher) Close() error {
	var err error
	p.Lock()
	defer p.Unlock()
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	p.addr = nil
	return err
}

func (p *Publisher) Print(a ...interface{}) (int, error) {
	p.Lock()
	defer p.Unlock()
	return p.flush(func(buf *bytes.Buffer) (int, error) {
		return fmt.Fprint(buf, a...)
	})
}

func (p *Publisher) Printf(format string, a ...interface{}) (int, error) {
	p.Lock()
	defer p.Unlock()
	return p.flush(func(buf *bytes.Buffer) (int, error) {
		return fmt.Fprintf(buf, format, a...)
	})
}

// Set publishes the field's value.
func (p *Publisher) Set(field string, v interface{}) error {
	p.Lock()
	defer p.Unlock()
	s := fmt.Sprint(v)
	_, err := p.flush(func(buf *bytes.Buffer) (int, error) {
		return fmt.Fprint(buf, field, ": ", s)
	})
	if err == nil {
		p.last[field] = s
	}
	return err
}

// Update publishes the field's value if it differs from the last one set.
func (p *Publisher) Update(field string, v interface{}) error {
	p.Lock()
	s := fmt.Sprint(v)
	same := p.last[field] == s
	p.Unlock()
	if same {
		return nil
	}
	return p.Set(field, v)
}

// Forget the last values set so that the next updates republish them.
func (p *Publisher) Forget() {
	p.Lock()
	defer p.Unlock()
	p.last = make(map[string]string)
}

func (p *Publisher) flush(fill func(*bytes.Buffer) (int, error)) (int, error) {
	if p.addr == nil {
		return 0, io.EOF
	}
	if p.conn == nil {
		conn, err := net.DialUnix("unixgram", nil, p.addr)
		if err != nil {
			return 0, err
		}
		p.conn = conn
	}
	p.buf.Reset()
	n, err := fill(p.buf)
	if err == nil && p.buf.Len() > 0 {
		if n, err = p.conn.Write(p.buf.Bytes()); err != nil {
			p.conn.Close()
			p.conn = nil
		}
	}
	return n, err
}
