// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package vcarpc

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"testing"

	"github.com/platinasystems/vca/internal/lbp"
)

func TestReply(t *testing.T) {
	var r Reply
	r.Set(nil)
	if err := r.Err(); err != nil {
		t.Error(err)
	}
	r.Set(&lbp.Error{
		Op:   "boot_ramdisk",
		Key:  lbp.Key{Card: 1},
		Code: lbp.AllocTimeout,
	})
	// as received by a client
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&r); err != nil {
		t.Fatal(err)
	}
	var got Reply
	if err := gob.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatal(err)
	}
	err := got.Err()
	if !errors.Is(err, lbp.AllocTimeout) {
		t.Error(err)
	}
	if s := err.Error(); s != "card 1 node 0: boot_ramdisk: alloc timeout" {
		t.Error(s)
	}
	if code := lbp.CodeOf(err); code != lbp.AllocTimeout {
		t.Error(code)
	}
	r.Set(fmt.Errorf("%w: no such file", lbp.BadParameterValue))
	if r.Code != lbp.BadParameterValue {
		t.Error(r.Code)
	}
}
