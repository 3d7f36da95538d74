// Package storage implements the RTDB channel key-space writer and reader
// (spec.md §4.5/§6.1, C6): two hash fields per value (engineered + ts),
// a parallel raw-value hash, and C/A trigger enqueue, backed by Redis.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/routing"
	"github.com/fieldmesh/comsrv/x/conv"
	"github.com/fieldmesh/comsrv/x/timex"
)

// MaxCascadeDepth bounds C2C forwarding (spec.md §9 Open Question 2):
// values forwarded at depth 2 are written but never re-cascaded.
const MaxCascadeDepth = 2

// Conn is the narrow subset of redis.Cmdable the writer needs, so tests can
// substitute an in-memory double instead of a real server (spec.md §9
// decision: avoid a miniredis dependency for unit tests).
type Conn interface {
	HSet(ctx context.Context, key string, values ...any) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	RPush(ctx context.Context, key string, value string) error
}

// Update is one point write, the unit the batch writer groups and cascades.
type Update struct {
	ChannelID   uint16
	Kind        model.Kind
	PointID     uint32
	Engineered  float64
	Raw         float64
	HasRaw      bool
	CascadeDepth int
}

// Writer is the RTDB channel key-space writer (C6). It never mutates the
// routing cache (spec.md §4.5 invariant a); Routes is read-only here.
type Writer struct {
	conn   Conn
	routes *routing.Cache
}

func NewWriter(conn Conn, routes *routing.Cache) *Writer {
	return &Writer{conn: conn, routes: routes}
}

func valueKey(ch uint16, kind model.Kind) string { return fmt.Sprintf("%d:%s", ch, kind) }
func tsKey(ch uint16, kind model.Kind) string    { return fmt.Sprintf("%d:%s:ts", ch, kind) }
func rawKey(ch uint16, kind model.Kind) string   { return fmt.Sprintf("%d:%s:raw", ch, kind) }
func todoKey(ch uint16, kind model.Kind) string  { return fmt.Sprintf("%d:%s:todo", ch, kind) }

type todoEntry struct {
	PointID   uint32  `json:"point_id"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// WritePoint writes a single engineered value without enqueuing a trigger.
func (w *Writer) WritePoint(ctx context.Context, ch uint16, kind model.Kind, pointID uint32, engineered float64) error {
	pid := strconv.FormatUint(uint64(pointID), 10)
	ts := timex.NowMs()
	if err := w.conn.HSet(ctx, valueKey(ch, kind), pid, engineered); err != nil {
		return errcode.Wrap("storage.WritePoint", errcode.StorageWriteFailed, err)
	}
	if err := w.conn.HSet(ctx, tsKey(ch, kind), pid, ts); err != nil {
		return errcode.Wrap("storage.WritePoint", errcode.StorageWriteFailed, err)
	}
	return nil
}

// WritePointWithTrigger is the single-write-with-trigger path (spec.md
// §4.5): writes engineered value + ts, then for C/A points enqueues a JSON
// trigger onto the point type's todo list.
func (w *Writer) WritePointWithTrigger(ctx context.Context, ch uint16, kind model.Kind, pointID uint32, engineered float64) error {
	if err := w.WritePoint(ctx, ch, kind, pointID, engineered); err != nil {
		return err
	}
	if !kind.WritableKind() {
		return nil
	}
	ts := timex.NowMs()
	payload, err := json.Marshal(todoEntry{PointID: pointID, Value: engineered, Timestamp: ts})
	if err != nil {
		return errcode.Wrap("storage.WritePointWithTrigger", errcode.StorageWriteFailed, err)
	}
	if err := w.conn.RPush(ctx, todoKey(ch, kind), string(payload)); err != nil {
		return errcode.Wrap("storage.WritePointWithTrigger", errcode.StorageWriteFailed, err)
	}
	return nil
}

// WriteBatch implements the 5-step batch-write algorithm (spec.md §4.5):
// group by (channel, kind); MSET values/ts/raw; consult the routing cache
// per update for C2M/C2C targets; fan out instance buckets concurrently;
// recurse on C2C-forwarded updates bounded by MaxCascadeDepth.
func (w *Writer) WriteBatch(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	groups := map[groupKey][]Update{}
	var order []groupKey
	for _, u := range updates {
		k := groupKey{u.ChannelID, u.Kind}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], u)
	}

	instBuckets := map[string][]any{}
	var forwarded []Update

	for _, k := range order {
		us := groups[k]
		values := make([]any, 0, len(us)*2)
		tss := make([]any, 0, len(us)*2)
		raws := make([]any, 0, len(us)*2)
		now := timex.NowMs()
		for _, u := range us {
			pid := strconv.FormatUint(uint64(u.PointID), 10)
			values = append(values, pid, u.Engineered)
			tss = append(tss, pid, now)
			raw := u.Raw
			if !u.HasRaw {
				raw = u.Engineered
			}
			raws = append(raws, pid, raw)
		}
		if err := w.conn.HSet(ctx, valueKey(k.ch, k.kind), values...); err != nil {
			return errcode.Wrap("storage.WriteBatch", errcode.StorageWriteFailed, err)
		}
		if err := w.conn.HSet(ctx, tsKey(k.ch, k.kind), tss...); err != nil {
			return errcode.Wrap("storage.WriteBatch", errcode.StorageWriteFailed, err)
		}
		if err := w.conn.HSet(ctx, rawKey(k.ch, k.kind), raws...); err != nil {
			return errcode.Wrap("storage.WriteBatch", errcode.StorageWriteFailed, err)
		}

		if w.routes == nil {
			continue
		}
		for _, u := range us {
			key := fmt.Sprintf("%d:%s:%d", u.ChannelID, u.Kind, u.PointID)
			if target, ok := w.routes.LookupC2M(key); ok {
				instBuckets[target.InstanceKey] = append(instBuckets[target.InstanceKey], strconv.FormatInt(int64(target.PointIdx), 10), u.Engineered)
			}
			if target, ok := w.routes.LookupC2C(key); ok && u.CascadeDepth < MaxCascadeDepth {
				forwarded = append(forwarded, Update{
					ChannelID:    target.ChannelID,
					Kind:         target.Kind,
					PointID:      target.PointID,
					Engineered:   u.Engineered,
					Raw:          u.Raw,
					HasRaw:       u.HasRaw,
					CascadeDepth: u.CascadeDepth + 1,
				})
			}
		}
	}

	if len(instBuckets) > 0 {
		if err := w.flushInstanceBuckets(ctx, instBuckets); err != nil {
			return err
		}
	}

	if len(forwarded) > 0 {
		return w.WriteBatch(ctx, forwarded)
	}
	return nil
}

type groupKey struct {
	ch   uint16
	kind model.Kind
}

// flushInstanceBuckets issues one hash MSET per instance bucket, concurrently
// (spec.md §4.5 step 4).
func (w *Writer) flushInstanceBuckets(ctx context.Context, buckets map[string][]any) error {
	errCh := make(chan error, len(buckets))
	for key, fields := range buckets {
		key, fields := key, fields
		go func() {
			errCh <- w.conn.HSet(ctx, key, fields...)
		}()
	}
	var firstErr error
	for range buckets {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = errcode.Wrap("storage.flushInstanceBuckets", errcode.StorageWriteFailed, err)
		}
	}
	return firstErr
}

// ReadPoint returns one point's engineered value.
func (w *Writer) ReadPoint(ctx context.Context, ch uint16, kind model.Kind, pointID uint32) (float64, bool, error) {
	v, ok, err := w.conn.HGet(ctx, valueKey(ch, kind), strconv.FormatUint(uint64(pointID), 10))
	if err != nil {
		return 0, false, errcode.Wrap("storage.ReadPoint", errcode.StorageUnavailable, err)
	}
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, errcode.Wrap("storage.ReadPoint", errcode.StorageWriteFailed, err)
	}
	return f, true, nil
}

// PointValue is one entry of a ReadPoints/GetChannelPoints result.
type PointValue struct {
	PointID    uint32
	Engineered float64
	Timestamp  time.Time

	// RawHex is the point's {ch}:{kind}:raw hash entry rendered as 8-digit
	// hex (x/conv), for operators reading back a CAN signal or Modbus
	// register as the device actually framed it rather than as the
	// scaled engineering value. Empty when the channel never wrote a raw
	// value for this point.
	RawHex string
}

// ReadPoints returns engineered values for the requested point ids.
func (w *Writer) ReadPoints(ctx context.Context, ch uint16, kind model.Kind, pointIDs []uint32) (map[uint32]PointValue, error) {
	values, err := w.conn.HGetAll(ctx, valueKey(ch, kind))
	if err != nil {
		return nil, errcode.Wrap("storage.ReadPoints", errcode.StorageUnavailable, err)
	}
	tss, err := w.conn.HGetAll(ctx, tsKey(ch, kind))
	if err != nil {
		return nil, errcode.Wrap("storage.ReadPoints", errcode.StorageUnavailable, err)
	}
	raws, err := w.conn.HGetAll(ctx, rawKey(ch, kind))
	if err != nil {
		return nil, errcode.Wrap("storage.ReadPoints", errcode.StorageUnavailable, err)
	}
	want := make(map[uint32]bool, len(pointIDs))
	for _, id := range pointIDs {
		want[id] = true
	}
	out := make(map[uint32]PointValue, len(pointIDs))
	for field, raw := range values {
		id64, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue
		}
		id := uint32(id64)
		if len(pointIDs) > 0 && !want[id] {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		pv := PointValue{PointID: id, Engineered: f}
		if tsRaw, ok := tss[field]; ok {
			if ms, err := strconv.ParseInt(tsRaw, 10, 64); err == nil {
				pv.Timestamp = time.UnixMilli(ms)
			}
		}
		if rawVal, ok := raws[field]; ok {
			if rf, err := strconv.ParseFloat(rawVal, 64); err == nil {
				var buf [8]byte
				pv.RawHex = string(conv.U32Hex(buf[:], uint32(int64(rf))))
			}
		}
		out[id] = pv
	}
	return out, nil
}

// GetChannelPoints returns every stored point for a channel/kind.
func (w *Writer) GetChannelPoints(ctx context.Context, ch uint16, kind model.Kind) (map[uint32]PointValue, error) {
	return w.ReadPoints(ctx, ch, kind, nil)
}

// instanceBucketKey maps a Telemetry/Adjust read onto the instance's M/A
// bucket hash (spec.md §6.1: "inst:{instance_id}:{M|A}"). Measurement
// routing targets land in the M bucket, action-point readback in A.
func instanceBucketKey(instanceID int64, kind model.Kind) string {
	bucket := "M"
	if kind == model.KindAdjust {
		bucket = "A"
	}
	return fmt.Sprintf("inst:%d:%s", instanceID, bucket)
}

func instanceNameKey(instanceID int64) string { return fmt.Sprintf("inst:%d:name", instanceID) }

// ReadInstancePoint reads one field of an instance's M/A bucket, for the
// rule engine's instance-scoped Input nodes (spec.md §4.8).
func (w *Writer) ReadInstancePoint(ctx context.Context, instanceID int64, kind model.Kind, pointIdx int32) (float64, bool, error) {
	v, ok, err := w.conn.HGet(ctx, instanceBucketKey(instanceID, kind), strconv.FormatInt(int64(pointIdx), 10))
	if err != nil {
		return 0, false, errcode.Wrap("storage.ReadInstancePoint", errcode.StorageUnavailable, err)
	}
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, errcode.Wrap("storage.ReadInstancePoint", errcode.StorageWriteFailed, err)
	}
	return f, true, nil
}

// WriteInstancePoint writes one field of an instance's M/A bucket directly,
// bypassing channel routing (spec.md §4.9: an action with no routed channel
// point still lands in the instance's own bucket so a reader of that
// instance sees the commanded value, instead of the command vanishing).
func (w *Writer) WriteInstancePoint(ctx context.Context, instanceID int64, kind model.Kind, pointIdx int32, value float64) error {
	if err := w.conn.HSet(ctx, instanceBucketKey(instanceID, kind), strconv.FormatInt(int64(pointIdx), 10), value); err != nil {
		return errcode.Wrap("storage.WriteInstancePoint", errcode.StorageWriteFailed, err)
	}
	return nil
}

// WriteInstanceName records an instance's display name under its RTDB key
// (spec.md §6.1's inst:{instance_id}:name), best-effort registration called
// after a successful catalog commit (instance_manager.rs's
// register_instance_in_redis ordering).
func (w *Writer) WriteInstanceName(ctx context.Context, instanceID int64, name string) error {
	if err := w.conn.HSet(ctx, instanceNameKey(instanceID), "name", name); err != nil {
		return errcode.Wrap("storage.WriteInstanceName", errcode.StorageWriteFailed, err)
	}
	return nil
}
