// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package vcactl

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/cavaliercoder/grab"
)

// fetch returns the absolute name of a local image, downloading URLs to a
// temporary directory removed by cleanup.
func fetch(name string) (fn string, cleanup func(), err error) {
	cleanup = func() {}
	u, err := url.Parse(name)
	if err != nil || len(u.Scheme) == 0 || u.Scheme == "file" {
		if err == nil && u.Scheme == "file" {
			name = u.Path
		}
		fn, err = filepath.Abs(name)
		return
	}
	dir, err := os.MkdirTemp("", "vcactl")
	if err != nil {
		return
	}
	cleanup = func() { os.RemoveAll(dir) }
	defer func() {
		if err != nil {
			cleanup()
		}
	}()
	resp, err := grab.Get(dir, name)
	if err != nil {
		return
	}
	fn = resp.Filename
	if !filepath.IsAbs(fn) {
		fn, err = filepath.Abs(fn)
	}
	return
}
