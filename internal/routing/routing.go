// Package routing implements the C2M/C2C routing cache (spec.md §4.6, C7):
// two string->string maps populated from the relational catalog, read
// lock-free via atomic.Value and rebuilt wholesale on demand.
package routing

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
)

// C2MTarget is a measurement-routing target: `{inst}:M:{tpid}`.
type C2MTarget struct {
	InstanceKey string // "inst:{instance_id}:M"
	PointIdx    int32
}

// C2CTarget is an inter-channel forwarding target: `{ch'}:{T|S}:{pid'}`.
type C2CTarget struct {
	ChannelID uint16
	Kind      model.Kind
	PointID   uint32
}

type tables struct {
	c2m map[string]C2MTarget
	c2c map[string]C2CTarget
}

// Cache holds the current routing tables. Lookups never block a concurrent
// rebuild (spec.md §4.6: "lock-free reads... writers hold an exclusive lock
// only during rebuild").
type Cache struct {
	cur      atomic.Value // *tables
	buildMu  sync.Mutex
}

func New() *Cache {
	c := &Cache{}
	c.cur.Store(&tables{c2m: map[string]C2MTarget{}, c2c: map[string]C2CTarget{}})
	return c
}

// LookupC2M returns the measurement-routing target for key
// `{ch}:{T|S}:{pid}`, or false if no projection exists.
func (c *Cache) LookupC2M(key string) (C2MTarget, bool) {
	t := c.cur.Load().(*tables)
	v, ok := t.c2m[key]
	return v, ok
}

// LookupC2C returns the inter-channel forwarding target for key
// `{ch}:{T|S}:{pid}`, or false if none exists.
func (c *Cache) LookupC2C(key string) (C2CTarget, bool) {
	t := c.cur.Load().(*tables)
	v, ok := t.c2c[key]
	return v, ok
}

// MeasurementRoute is one row of the catalog's measurement_routing table.
type MeasurementRoute struct {
	ChannelID       uint16
	ChannelType     model.Kind
	ChannelPointID  uint32
	InstanceID      int64
	InstancePointID int32
}

// ForwardRoute is one row of the catalog's inter-channel forwarding table.
type ForwardRoute struct {
	SrcChannelID      uint16
	SrcChannelType    model.Kind
	SrcChannelPointID uint32
	DstChannelID      uint16
	DstChannelType    model.Kind
	DstChannelPointID uint32
}

// Rebuild replaces both tables atomically from freshly scanned catalog rows
// (spec.md §4.6: "loaded once at startup and refreshed on demand after
// routing-management API calls"). Concurrent Rebuild calls serialize on
// buildMu; readers are never blocked.
func (c *Cache) Rebuild(measurements []MeasurementRoute, forwards []ForwardRoute) error {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	next := &tables{
		c2m: make(map[string]C2MTarget, len(measurements)),
		c2c: make(map[string]C2CTarget, len(forwards)),
	}
	for _, m := range measurements {
		key := sourceKey(m.ChannelID, m.ChannelType, m.ChannelPointID)
		next.c2m[key] = C2MTarget{
			InstanceKey: fmt.Sprintf("inst:%d:M", m.InstanceID),
			PointIdx:    m.InstancePointID,
		}
	}
	for _, f := range forwards {
		key := sourceKey(f.SrcChannelID, f.SrcChannelType, f.SrcChannelPointID)
		next.c2c[key] = C2CTarget{
			ChannelID: f.DstChannelID,
			Kind:      f.DstChannelType,
			PointID:   f.DstChannelPointID,
		}
	}
	c.cur.Store(next)
	return nil
}

func sourceKey(ch uint16, kind model.Kind, pointID uint32) string {
	return fmt.Sprintf("%d:%s:%d", ch, kind, pointID)
}

// ParseC2MTarget parses `{inst}:M:{tpid}` back into its components, used by
// callers that only have the raw string form (e.g. a catalog migration
// tool) rather than a Cache lookup.
func ParseC2MTarget(s string) (instanceID int64, pointIdx int32, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[1] != "M" {
		return 0, 0, errcode.WrapMsg("routing.ParseC2MTarget", errcode.InvalidConfig, "malformed C2M target: "+s)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, errcode.WrapMsg("routing.ParseC2MTarget", errcode.InvalidConfig, "malformed instance id: "+s)
	}
	idx, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return 0, 0, errcode.WrapMsg("routing.ParseC2MTarget", errcode.InvalidConfig, "malformed point idx: "+s)
	}
	return id, int32(idx), nil
}
