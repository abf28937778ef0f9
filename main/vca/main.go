// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// This is the accelerator card manager. Run as, or linked to, vcad or
// vcactl it runs that command; otherwise the first argument names it.
package main

import (
	"fmt"
	"os"

	"github.com/platinasystems/vca/cmd/vcactl"
	"github.com/platinasystems/vca/cmd/vcad"
	"github.com/platinasystems/vca/internal/goes"
)

func Goes() goes.ByName {
	g := make(goes.ByName)
	g.Plot(new(vcad.Command), new(vcactl.Command))
	return g
}

func main() {
	if err := Goes().Main(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
