package driver

import (
	"sync"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/codec/iec101"
	"github.com/fieldmesh/comsrv/internal/codec/iec104"
	"github.com/fieldmesh/comsrv/internal/model"
)

// IEC101Adapter implements Codec over internal/codec/iec101's link-layer
// framing, deferring ASDU encode/decode to internal/codec/iec104 since the
// application layer is shared across the 870-5 family (spec.md §4.1). One
// adapter instance owns one station's link address and frame-count bit.
type IEC101Adapter struct {
	address    []byte
	commonAddr uint16

	mu  sync.Mutex
	fcb bool
}

func NewIEC101Adapter(linkAddress byte, addrWidth iec101.AddressWidth, commonAddr uint16) *IEC101Adapter {
	addr := []byte{linkAddress}
	if addrWidth == iec101.Address2Byte {
		addr = []byte{linkAddress, 0x00}
	}
	return &IEC101Adapter{address: addr, commonAddr: commonAddr}
}

// control builds a primary-station user-data control octet with a toggling
// frame-count bit, per the alternating-acknowledgement convention fixed-frame
// links use to detect retransmissions.
func (a *IEC101Adapter) control() byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := byte(0x40) | iec101.FuncUserData | 0x10 // PRM=1, FCV=1
	if a.fcb {
		c |= 0x20
	}
	a.fcb = !a.fcb
	return c
}

func (a *IEC101Adapter) BuildBatchRead(points []model.Point) ([]byte, Collector, error) {
	asduData, err := iec104.EncodeASDU(iec104.ASDU{
		TypeID:     iec104.CIcNa1,
		COT:        iec104.CotAct,
		CommonAddr: a.commonAddr,
		Objects:    []iec104.InformationObject{{Address: 0, Data: []byte{0x14}}},
	})
	if err != nil {
		return nil, nil, err
	}
	frame, err := iec101.EncodeVariableFrame(a.control(), a.address, asduData)
	if err != nil {
		return nil, nil, err
	}

	wanted := make(map[uint32]model.Point, len(points))
	for _, p := range points {
		if p.Mapping.IEC != nil {
			wanted[p.Mapping.IEC.InfoAddress] = p
		}
	}
	out := make(map[uint32]float64, len(points))

	addrWidth := iec101.Address1Byte
	if len(a.address) == 2 {
		addrWidth = iec101.Address2Byte
	}

	collect := func(resp []byte) (any, error) {
		_, _, asduBytes, err := iec101.DecodeVariableFrame(resp, addrWidth)
		if err != nil {
			return nil, ErrNotReady
		}
		asdu, err := iec104.DecodeASDU(asduBytes)
		if err != nil {
			return nil, err
		}
		for _, obj := range asdu.Objects {
			p, ok := wanted[obj.Address]
			if !ok {
				continue
			}
			switch asdu.TypeID {
			case iec104.MSpNa1, iec104.MSpTb1:
				v, _ := iec104.DecodeSIQ(obj.Data[0])
				if v {
					out[p.PointID] = 1
				} else {
					out[p.PointID] = 0
				}
			case iec104.MMeNc1, iec104.MMeTf1:
				v, _, err := iec104.DecodeShortFloat(obj.Data)
				if err == nil {
					out[p.PointID] = float64(v)
				}
			}
		}
		if len(out) < len(wanted) {
			return nil, ErrNotReady
		}
		return out, nil
	}
	return frame, collect, nil
}

func (a *IEC101Adapter) BuildWrite(point model.Point, value float64) ([]byte, Collector, error) {
	m := point.Mapping.IEC
	if m == nil {
		return nil, nil, errcode.WrapMsg("iec101.BuildWrite", errcode.InvalidConfig, "point missing iec mapping")
	}
	var typeID iec104.TypeID
	var data []byte
	switch point.Kind {
	case model.KindControl:
		typeID = iec104.CScNa1
		data = []byte{iec104.EncodeSCO(value != 0, 0, false)}
	default:
		typeID = iec104.CSeNc1
		data = iec104.EncodeShortFloat(float32(value), 0)
	}
	asduData, err := iec104.EncodeASDU(iec104.ASDU{
		TypeID:     typeID,
		COT:        iec104.CotAct,
		CommonAddr: a.commonAddr,
		Objects:    []iec104.InformationObject{{Address: m.InfoAddress, Data: data}},
	})
	if err != nil {
		return nil, nil, err
	}
	frame, err := iec101.EncodeVariableFrame(a.control(), a.address, asduData)
	if err != nil {
		return nil, nil, err
	}

	addrWidth := iec101.Address1Byte
	if len(a.address) == 2 {
		addrWidth = iec101.Address2Byte
	}

	collect := func(resp []byte) (any, error) {
		_, _, asduBytes, err := iec101.DecodeVariableFrame(resp, addrWidth)
		if err != nil {
			return nil, ErrNotReady
		}
		asdu, err := iec104.DecodeASDU(asduBytes)
		if err != nil {
			return nil, err
		}
		if asdu.COT != iec104.CotActCon {
			return nil, ErrNotReady
		}
		if asdu.Negative {
			return nil, errcode.WrapMsg("iec101.BuildWrite", errcode.DeviceExceptionCode, "activation confirmation negative")
		}
		return true, nil
	}
	return frame, collect, nil
}
