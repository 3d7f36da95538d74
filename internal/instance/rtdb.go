package instance

import (
	"context"
	"path"

	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/storage"
)

// RTDBAdapter implements rules.RTDB over the RTDB writer (channel/instance
// point reads) and the catalog (instance name matching), since instance
// identity is catalog-authoritative while Redis only holds the last
// observed bucket values (spec.md §4.8's Input node aggregate form).
type RTDBAdapter struct {
	writer  *storage.Writer
	catalog interface {
		ListInstances(ctx context.Context, productName string) ([]model.Instance, error)
	}
}

func NewRTDBAdapter(writer *storage.Writer, store interface {
	ListInstances(ctx context.Context, productName string) ([]model.Instance, error)
}) *RTDBAdapter {
	return &RTDBAdapter{writer: writer, catalog: store}
}

func (a *RTDBAdapter) ReadChannelPoint(ctx context.Context, channelID uint16, kind model.Kind, pointID uint32) (float64, bool, error) {
	return a.writer.ReadPoint(ctx, channelID, kind, pointID)
}

func (a *RTDBAdapter) ReadInstancePoint(ctx context.Context, instanceID int64, kind model.Kind, pointIdx int32) (float64, bool, error) {
	return a.writer.ReadInstancePoint(ctx, instanceID, kind, pointIdx)
}

func (a *RTDBAdapter) MatchInstances(ctx context.Context, namePattern string) ([]int64, error) {
	instances, err := a.catalog.ListInstances(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, inst := range instances {
		if ok, _ := path.Match(namePattern, inst.Name); ok {
			out = append(out, inst.ID)
		}
	}
	return out, nil
}
