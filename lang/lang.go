// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package lang keys command help text by locale.
package lang

import "os"

const EnUS = "en_US.UTF-8"

// Alt maps a locale to its text.
type Alt map[string]string

// Default is the preferred locale, taken from LANG when set.
var Default = func() string {
	if s := os.Getenv("LANG"); len(s) > 0 {
		return s
	}
	return EnUS
}()

// String returns the text for the preferred locale or else en_US.
func (alt Alt) String() string {
	if s, found := alt[Default]; found {
		return s
	}
	return alt[EnUS]
}
