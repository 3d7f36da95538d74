package main

import (
	"fmt"

	"github.com/fieldmesh/comsrv/internal/codec/iec101"
	"github.com/fieldmesh/comsrv/internal/driver"
	"github.com/fieldmesh/comsrv/internal/model"
)

// newCodec picks the protocol adapter for a channel, the runtime
// counterpart to config.ChannelConfig.ToChannel's load-time transport
// pairing check.
func newCodec(ch *model.Channel) (driver.Codec, error) {
	switch ch.Protocol {
	case model.ProtoModbusTCP, model.ProtoModbusRTU:
		return driver.NewModbusAdapter(ch.Protocol), nil
	case model.ProtoIEC104:
		return driver.NewIEC104Adapter(channelCommonAddr(ch)), nil
	case model.ProtoIEC101:
		// The link-layer station address has no home in model.Channel (it
		// is a data-link concept, not a point mapping); the channel id's
		// low byte stands in for it since both are operator-assigned and
		// unique per serial line.
		return driver.NewIEC101Adapter(byte(ch.ID), iec101.Address1Byte, channelCommonAddr(ch)), nil
	case model.ProtoCAN:
		return newCANCodec()
	default:
		return nil, fmt.Errorf("comsrvd: no codec for protocol %q", ch.Protocol)
	}
}

// channelCommonAddr returns the IEC common address shared by a channel's
// points, read off whichever point happens to be mapped first since every
// point on one channel addresses the same station.
func channelCommonAddr(ch *model.Channel) uint16 {
	for _, p := range ch.Points {
		if p.Mapping.IEC != nil {
			return p.Mapping.IEC.CommonAddress
		}
	}
	return 0
}
