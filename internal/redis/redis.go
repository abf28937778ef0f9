// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package redis reads and writes the local server's hash of published
// machine state.
package redis

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/garyburd/redigo/redis"
	"github.com/platinasystems/atsock"
)

const (
	rdtimeout = 10 * time.Second
	wrtimeout = 500 * time.Millisecond
)

// DefaultHash is used for an empty key.
var DefaultHash = "platina"

// Dial connects to the server; tests replace it.
var Dial = func() (net.Conn, error) { return atsock.Dial("redisd") }

var keyRe = regexp.MustCompile("[\\[][^\\]]+[\\]]|[^.]+")

// Quotes a string with control characters other than newline and tab.
func Quotes(s string) string {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

// Split a structured key.
//
//	"vca" -> ["vca"]
//	"vca.0.1.state" -> ["vca", "0", "1", "state"]
//	"vca.0.1.mac.[00:1e:67:aa:bb:cc]" ->
//		["vca", "0", "1", "mac", "00:1e:67:aa:bb:cc"]
func Split(key string) []string {
	fields := keyRe.FindAllString(key, -1)
	for i, field := range fields {
		if field[0] == '[' && field[len(field)-1] == ']' {
			fields[i] = field[1 : len(field)-1]
		}
	}
	return fields
}

// Connect to the server's abstract socket.
func Connect() (redis.Conn, error) {
	conn, err := Dial()
	if err != nil {
		return nil, err
	}
	return redis.NewConn(conn, rdtimeout, wrtimeout), nil
}

func do(cmd string, args ...interface{}) (interface{}, error) {
	conn, err := Connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Do(cmd, args...)
}

func hash(key string) string {
	if len(key) == 0 {
		return DefaultHash
	}
	return key
}

func Hget(key, field string) (string, error) {
	s, err := redis.String(do("HGET", hash(key), field))
	if err == redis.ErrNil {
		err = nil
	}
	return s, err
}

func Hset(key, field string, v interface{}) (int, error) {
	return redis.Int(do("HSET", hash(key), field, v))
}

func Hdel(key string, fields ...string) (int, error) {
	args := redis.Args{}.Add(hash(key)).AddFlat(fields)
	return redis.Int(do("HDEL", args...))
}

// Hgetall returns the fields of the hash matching the prefix.
func Hgetall(key, prefix string) (map[string]string, error) {
	m, err := redis.StringMap(do("HGETALL", hash(key)))
	if err != nil {
		return nil, err
	}
	for field := range m {
		if !strings.HasPrefix(field, prefix) {
			delete(m, field)
		}
	}
	return m, nil
}

// Hkeys returns the sorted fields of the hash.
func Hkeys(key string) ([]string, error) {
	keys, err := redis.Strings(do("HKEYS", hash(key)))
	sort.Strings(keys)
	return keys, err
}

// Hwait for the given (key, field) to have value or anything if value is "".
func Hwait(key, field, value string, dur time.Duration) error {
	const t = 250 * time.Millisecond
	for end := time.Now().Add(dur); time.Now().Before(end); time.Sleep(t) {
		s, err := Hget(key, field)
		if err == nil && len(s) > 0 {
			if len(value) > 0 && s != value {
				err = fmt.Errorf("(%s,%s) is %q instead of %q",
					key, field, s, value)
			}
			return err
		}
	}
	return fmt.Errorf("(%s,%s) timeout", key, field)
}

// IsReady waits for the server to announce itself.
func IsReady() error {
	return Hwait(DefaultHash, "redis.ready", "true", 10*time.Second)
}
