//go:build !linux

package main

import (
	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/driver"
)

// newCANCodec is unavailable off Linux: internal/transport's CAN transport
// is a raw AF_CAN socket (golang.org/x/sys/unix), Linux-only by construction.
func newCANCodec() (driver.Codec, error) {
	return nil, errcode.WrapMsg("comsrvd.newCANCodec", errcode.InvalidConfig, "can channels require a linux build")
}
