package driver

import (
	"sync"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/codec/iec104"
	"github.com/fieldmesh/comsrv/internal/model"
)

// IEC104Adapter implements Codec over internal/codec/iec104's APCI/ASDU
// functions. Unlike Modbus/CAN, IEC104 polling is interrogation-driven: a
// BuildBatchRead issues a general interrogation (C_IC_NA_1) and the
// collector accumulates spontaneous/interrogated telemetry across however
// many I-frames the device sends back, returning once every point in the
// group has reported (spec.md §4.2). One adapter instance owns one
// channel's send/receive sequence numbers, which must survive across calls.
type IEC104Adapter struct {
	commonAddr uint16

	mu     sync.Mutex
	sendSN uint16
	recvSN uint16
}

func NewIEC104Adapter(commonAddr uint16) *IEC104Adapter {
	return &IEC104Adapter{commonAddr: commonAddr}
}

func (a *IEC104Adapter) sendIFrame(asduData []byte) ([]byte, error) {
	a.mu.Lock()
	frame, err := iec104.EncodeIFrame(a.sendSN, a.recvSN, asduData)
	if err == nil {
		a.sendSN++
	}
	a.mu.Unlock()
	return frame, err
}

func (a *IEC104Adapter) observe(sn uint16) {
	a.mu.Lock()
	a.recvSN = sn + 1
	a.mu.Unlock()
}

// BuildBatchRead issues a general interrogation and collects responses
// keyed by information object address until every point in the group has
// reported a value.
func (a *IEC104Adapter) BuildBatchRead(points []model.Point) ([]byte, Collector, error) {
	asduData, err := iec104.EncodeASDU(iec104.ASDU{
		TypeID:     iec104.CIcNa1,
		COT:        iec104.CotAct,
		CommonAddr: a.commonAddr,
		Objects:    []iec104.InformationObject{{Address: 0, Data: []byte{0x14}}}, // QOI=20, station interrogation
	})
	if err != nil {
		return nil, nil, err
	}
	frame, err := a.sendIFrame(asduData)
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

	collect := func(resp []byte) (any, error) {
		f, err := iec104.DecodeAPDU(resp)
		if err != nil {
			return nil, err
		}
		if f.Kind != iec104.FrameI {
			return nil, ErrNotReady
		}
		a.observe(f.SendSN)
		asdu, err := iec104.DecodeASDU(f.ASDUData)
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

// BuildWrite encodes a single-command (control) or set-point (adjustment)
// activation and waits for the matching activation confirmation.
func (a *IEC104Adapter) BuildWrite(point model.Point, value float64) ([]byte, Collector, error) {
	m := point.Mapping.IEC
	if m == nil {
		return nil, nil, errcode.WrapMsg("iec104.BuildWrite", errcode.InvalidConfig, "point missing iec mapping")
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
	frame, err := a.sendIFrame(asduData)
	if err != nil {
		return nil, nil, err
	}

	collect := func(resp []byte) (any, error) {
		f, err := iec104.DecodeAPDU(resp)
		if err != nil {
			return nil, err
		}
		if f.Kind != iec104.FrameI {
			return nil, ErrNotReady
		}
		a.observe(f.SendSN)
		asdu, err := iec104.DecodeASDU(f.ASDUData)
		if err != nil {
			return nil, err
		}
		if asdu.COT != iec104.CotActCon {
			return nil, ErrNotReady
		}
		if asdu.Negative {
			return nil, errcode.WrapMsg("iec104.BuildWrite", errcode.DeviceExceptionCode, "activation confirmation negative")
		}
		return true, nil
	}
	return frame, collect, nil
}
