// Command comsrv-demo runs the end-to-end scenarios from the Modbus
// TCP holding-register walkthrough (S1), the C2C cascade depth limit
// (S2), a routing miss (S6), and an aggregate rule dispatch (S4)
// against an in-memory RTDB double, without a real device or Redis
// server. Grounded on original_source's modbus_redis_demo example,
// reworked around this module's channel/point/storage/rules types in
// place of that example's one-off struct literals.
package main

import (
	"context"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/internal/calc"
	"github.com/fieldmesh/comsrv/internal/codec/modbus"
	"github.com/fieldmesh/comsrv/internal/config"
	"github.com/fieldmesh/comsrv/internal/driver"
	"github.com/fieldmesh/comsrv/internal/logging"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/routing"
	"github.com/fieldmesh/comsrv/internal/rules"
	"github.com/fieldmesh/comsrv/internal/storage"
)

func main() {
	log := logging.Component(logging.New(config.LogConfig{}), "comsrv-demo")
	ctx := context.Background()

	routes := routing.New()
	writer := storage.NewWriter(newMemConn(), routes)
	sink := storage.NewDriverSink(writer)

	runS1(ctx, sink, writer, log)
	runS2(ctx, writer, routes, log)
	runS6(ctx, writer, routes, log)
	runS4(ctx, writer, routes, log)
}

// runS1 decodes a real FC 0x03 response through the production Modbus
// codec, then writes it through the same DriverSink path comsrvd uses.
func runS1(ctx context.Context, sink *storage.DriverSink, writer *storage.Writer, log *logrus.Entry) {
	const channelID = uint16(1001)
	point := model.Point{
		ChannelID:  channelID,
		PointID:    1,
		Kind:       model.KindTelemetry,
		SignalName: "holding_temp",
		DataType:   model.TypeFloat32,
		Scale:      0.1,
		Offset:     -40,
		Unit:       "C",
		Mapping: model.Mapping{Modbus: &model.ModbusMapping{
			SlaveID:       1,
			FunctionCode:  modbus.FuncReadHoldingRegisters,
			RegisterAddr:  0,
			RegisterCount: 2,
			ByteOrder:     model.OrderBigEndian,
		}},
	}

	codec := driver.NewModbusAdapter(model.ProtoModbusTCP)
	req, collect, err := codec.BuildBatchRead([]model.Point{point})
	if err != nil {
		log.WithError(err).Error("S1: building read request")
		return
	}
	header, _, err := modbus.DecodeTCPFrame(req)
	if err != nil {
		log.WithError(err).Error("S1: decoding own request frame")
		return
	}

	// A real device holding 50.0 in a float32 BE register pair replies with
	// [0x4248, 0x0000]; the response must echo the request's transaction id.
	resp := encodeReadHoldingResponse(header.TransactionID, point.Mapping.Modbus.SlaveID, []uint16{0x4248, 0x0000})

	raw, err := collect(resp)
	if err != nil {
		log.WithError(err).Error("S1: decoding device response")
		return
	}
	rawValue := raw.(map[uint32]float64)[point.PointID]
	engineered := rawValue*point.Scale + point.Offset

	sample := driver.PointSample{PointID: point.PointID, Raw: rawValue, Engineered: engineered}
	if err := sink.WriteBatch(ctx, channelID, model.KindTelemetry, []driver.PointSample{sample}); err != nil {
		log.WithError(err).Error("S1: writing batch")
		return
	}

	v, _, _ := writer.ReadPoint(ctx, channelID, model.KindTelemetry, point.PointID)
	log.Infof("S1: %d:T:%d = %.1f%s (raw=%.0f)", channelID, point.PointID, v, point.Unit, rawValue)
}

// encodeReadHoldingResponse builds the MBAP+PDU frame a Modbus TCP server
// sends back for a successful FC 0x03 read.
func encodeReadHoldingResponse(txn uint16, slaveID byte, regs []uint16) []byte {
	data := make([]byte, 0, 1+len(regs)*2)
	data = append(data, byte(len(regs)*2))
	for _, r := range regs {
		data = append(data, byte(r>>8), byte(r))
	}
	pdu := append([]byte{modbus.FuncReadHoldingRegisters}, data...)
	return modbus.EncodeTCPFrame(txn, slaveID, pdu)
}

// runS2 exercises the C2C cascade depth limit: 1001:T:1 forwards to
// 1002:T:5, which forwards to 1003:T:9, which does not cascade further.
func runS2(ctx context.Context, writer *storage.Writer, routes *routing.Cache, log *logrus.Entry) {
	if err := routes.Rebuild(nil, []routing.ForwardRoute{
		{SrcChannelID: 1001, SrcChannelType: model.KindTelemetry, SrcChannelPointID: 1, DstChannelID: 1002, DstChannelType: model.KindTelemetry, DstChannelPointID: 5},
		{SrcChannelID: 1002, SrcChannelType: model.KindTelemetry, SrcChannelPointID: 5, DstChannelID: 1003, DstChannelType: model.KindTelemetry, DstChannelPointID: 9},
	}); err != nil {
		log.WithError(err).Error("S2: rebuilding routes")
		return
	}

	if err := writer.WriteBatch(ctx, []storage.Update{{ChannelID: 1001, Kind: model.KindTelemetry, PointID: 1, Engineered: 42}}); err != nil {
		log.WithError(err).Error("S2: writing batch")
		return
	}

	v1, _, _ := writer.ReadPoint(ctx, 1001, model.KindTelemetry, 1)
	v2, _, _ := writer.ReadPoint(ctx, 1002, model.KindTelemetry, 5)
	v3, _, _ := writer.ReadPoint(ctx, 1003, model.KindTelemetry, 9)
	log.Infof("S2: cascade 1001:T:1=%.0f -> 1002:T:5=%.0f -> 1003:T:9=%.0f, depth 2 stops there", v1, v2, v3)
}

// runS6 writes a point with no C2M/C2C route configured: only the
// value/ts/raw hashes change, no inst:* bucket is touched.
func runS6(ctx context.Context, writer *storage.Writer, routes *routing.Cache, log *logrus.Entry) {
	if err := routes.Rebuild(nil, nil); err != nil {
		log.WithError(err).Error("S6: clearing routes")
		return
	}
	if err := writer.WriteBatch(ctx, []storage.Update{{ChannelID: 7777, Kind: model.KindTelemetry, PointID: 42, Engineered: 3.14}}); err != nil {
		log.WithError(err).Error("S6: writing batch")
		return
	}
	v, ok, _ := writer.ReadPoint(ctx, 7777, model.KindTelemetry, 42)
	log.Infof("S6: unrouted write 7777:T:42 = %.2f (present=%v)", v, ok)
}

// runS4 routes three channel points into three instances' M:1 bucket
// field, then runs a 3-node rule (aggregate input -> condition -> action)
// that dispatches a backup-start command once their sum passes 500.
func runS4(ctx context.Context, writer *storage.Writer, routes *routing.Cache, log *logrus.Entry) {
	instances := []model.Instance{
		{ID: 1, Name: "pv_inv_01"},
		{ID: 2, Name: "pv_inv_02"},
		{ID: 3, Name: "pv_inv_03"},
	}
	readings := map[int64]float64{1: 100, 2: 200, 3: 300}

	var routeRows []routing.MeasurementRoute
	var updates []storage.Update
	const sourceChannel = uint16(900)
	for _, inst := range instances {
		pointID := uint32(inst.ID)
		routeRows = append(routeRows, routing.MeasurementRoute{
			ChannelID: sourceChannel, ChannelType: model.KindTelemetry, ChannelPointID: pointID,
			InstanceID: inst.ID, InstancePointID: 1,
		})
		updates = append(updates, storage.Update{
			ChannelID: sourceChannel, Kind: model.KindTelemetry, PointID: pointID, Engineered: readings[inst.ID],
		})
		if err := writer.WriteInstanceName(ctx, inst.ID, inst.Name); err != nil {
			log.WithError(err).Error("S4: registering instance name")
			return
		}
	}
	if err := routes.Rebuild(routeRows, nil); err != nil {
		log.WithError(err).Error("S4: rebuilding measurement routes")
		return
	}
	if err := writer.WriteBatch(ctx, updates); err != nil {
		log.WithError(err).Error("S4: writing instance readings")
		return
	}

	rules.RegisterAction("demo.log_backup_start", func(ctx context.Context, ec *rules.ExecutionContext, parameters map[string]any) (calc.Value, error) {
		log.Infof("S4: custom action dispatched: %v", parameters["reason"])
		return calc.String(`{"command_id":"demo-1","status":"queued"}`), nil
	})

	def := rules.Definition{
		ID: "pv_backup_on_high_output",
		Nodes: []rules.NodeDef{
			{ID: "sum_pv", Type: rules.NodeInput, Config: map[string]any{"source": "sum(pv_inv_*:M:1)"}},
			{ID: "cond_gt500", Type: rules.NodeCondition, Config: map[string]any{"expression": "sum_pv > 500"}},
			{ID: "act_backup", Type: rules.NodeAction, Config: map[string]any{
				"operation":  "custom",
				"action":     "demo.log_backup_start",
				"parameters": map[string]any{"reason": "aggregate pv output exceeded threshold"},
			}},
		},
		Edges: []rules.EdgeDef{
			{From: "sum_pv", To: "cond_gt500"},
			{From: "cond_gt500", To: "act_backup", Guard: "cond_gt500 == true"},
		},
	}
	graph, err := rules.Build(def)
	if err != nil {
		log.WithError(err).Error("S4: building rule graph")
		return
	}

	ec := rules.NewExecutionContext(demoRTDB{writer: writer, instances: instances}, nil)
	result := graph.Execute(ctx, ec, log)
	log.Infof("S4: rule %s output=%s failed=%v", result.RuleID, result.Output, result.Failed)
}

// demoRTDB implements rules.RTDB over the in-memory writer and a fixed
// instance list, standing in for instance.RTDBAdapter's catalog-backed
// MatchInstances so this demo needs neither a real catalog nor Redis.
type demoRTDB struct {
	writer    *storage.Writer
	instances []model.Instance
}

func (r demoRTDB) ReadChannelPoint(ctx context.Context, channelID uint16, kind model.Kind, pointID uint32) (float64, bool, error) {
	return r.writer.ReadPoint(ctx, channelID, kind, pointID)
}

func (r demoRTDB) ReadInstancePoint(ctx context.Context, instanceID int64, kind model.Kind, pointIdx int32) (float64, bool, error) {
	return r.writer.ReadInstancePoint(ctx, instanceID, kind, pointIdx)
}

func (r demoRTDB) MatchInstances(ctx context.Context, namePattern string) ([]int64, error) {
	var out []int64
	for _, inst := range r.instances {
		if ok, _ := path.Match(namePattern, inst.Name); ok {
			out = append(out, inst.ID)
		}
	}
	return out, nil
}
