//go:build linux

package driver

import (
	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/codec/can"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/transport"
)

// CANAdapter implements Codec over internal/codec/can's DBC signal
// extraction and internal/transport's socketCAN frame wire format. CAN is
// broadcast, not request-response: registerAddr groups points sharing one
// CAN frame ID into a single batch (driver.go), so BuildBatchRead's trigger
// is a remote-transmission-request for that one ID, and its collector
// decodes the single broadcast frame that answers it, extracting every
// point's signal from the shared payload (spec.md §4.2).
type CANAdapter struct{}

func NewCANAdapter() *CANAdapter { return &CANAdapter{} }

func (a *CANAdapter) BuildBatchRead(points []model.Point) ([]byte, Collector, error) {
	if len(points) == 0 {
		return nil, nil, errcode.WrapMsg("can.BuildBatchRead", errcode.InvalidConfig, "empty point group")
	}
	first := points[0].Mapping.CAN
	if first == nil {
		return nil, nil, errcode.WrapMsg("can.BuildBatchRead", errcode.InvalidConfig, "point missing can mapping")
	}
	req := transport.EncodeRTRFrame(first.CANID, first.Extended, 8)

	collect := func(resp []byte) (any, error) {
		id, _, data, err := transport.DecodeFrame(resp)
		if err != nil {
			return nil, err
		}
		if transport.IsRTR(resp) || id != first.CANID {
			return nil, ErrNotReady
		}
		out := make(map[uint32]float64, len(points))
		for _, p := range points {
			m := p.Mapping.CAN
			if m == nil || m.CANID != id {
				continue
			}
			sig := can.Signal{StartBit: m.StartBit, Length: m.Length, BigEndian: m.BigEndian, Signed: m.Signed}
			if m.Signed {
				v, err := can.ExtractSigned(data, sig)
				if err != nil {
					continue
				}
				out[p.PointID] = float64(v)
			} else {
				v, err := can.Extract(data, sig)
				if err != nil {
					continue
				}
				out[p.PointID] = float64(v)
			}
		}
		return out, nil
	}
	return req, collect, nil
}

// BuildWrite encodes a control/adjustment value into the point's frame
// signal and broadcasts it. CAN has no application-level acknowledgement;
// the collector instead relies on SocketCAN's local loopback (a sent frame
// is delivered back to the sending socket) to confirm the write reached the
// bus, rather than waiting on any remote device reply.
func (a *CANAdapter) BuildWrite(point model.Point, value float64) ([]byte, Collector, error) {
	m := point.Mapping.CAN
	if m == nil {
		return nil, nil, errcode.WrapMsg("can.BuildWrite", errcode.InvalidConfig, "point missing can mapping")
	}
	data := make([]byte, 8)
	sig := can.Signal{StartBit: m.StartBit, Length: m.Length, BigEndian: m.BigEndian, Signed: m.Signed}
	if err := can.Pack(data, sig, uint64(int64(value))); err != nil {
		return nil, nil, err
	}
	frame := transport.EncodeFrame(m.CANID, m.Extended, data)

	collect := func(resp []byte) (any, error) {
		id, _, _, err := transport.DecodeFrame(resp)
		if err != nil {
			return nil, err
		}
		if id != m.CANID {
			return nil, ErrNotReady
		}
		return true, nil
	}
	return frame, collect, nil
}
