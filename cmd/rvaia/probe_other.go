//go:build !linux

package main

import (
	"errors"
	"io"

	"github.com/tinyrange/rvaia/internal/platform"
)

func probeECAM(platform.Layout, io.Writer) error {
	return errors.New("-probe needs /dev/mem and is only supported on Linux")
}
