//go:build linux

package main

import "github.com/fieldmesh/comsrv/internal/driver"

func newCANCodec() (driver.Codec, error) {
	return driver.NewCANAdapter(), nil
}
