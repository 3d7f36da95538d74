// Package instance implements the instance manager (spec.md §4.9, C11):
// create/delete/list/search instance lifecycle, backed by the sqlite
// catalog, plus best-effort RTDB registration and command dispatch.
// Grounded on
// original_source/services/modsrv/src/instance_manager.rs's lifecycle
// operations: transactional catalog write first, then a best-effort RTDB
// sync that logs and continues on failure rather than rolling back the
// already-committed catalog row.
package instance

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/catalog"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/routing"
	"github.com/fieldmesh/comsrv/internal/storage"
)

// ActionDispatcher submits a resolved action as a command (spec.md §4.9's
// ExecuteAction). ingress.Dispatcher satisfies this directly.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, channelID uint16, pointID uint32, value float64) (commandID string, err error)
}

// Manager is the instance lifecycle surface (spec.md §4.9).
type Manager struct {
	catalog    *catalog.Store
	routes     *routing.Cache
	writer     *storage.Writer
	dispatcher ActionDispatcher
	log        *logrus.Entry
}

func New(store *catalog.Store, routes *routing.Cache, writer *storage.Writer, dispatcher ActionDispatcher, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{catalog: store, routes: routes, writer: writer, dispatcher: dispatcher, log: log}
}

// CreateRequest is a new instance's parameters (instance_manager.rs's
// CreateInstanceRequest).
type CreateRequest struct {
	InstanceID   int64
	InstanceName string
	ProductName  string
	ParentID     int64
	Properties   map[string]any
	Measurements []model.Route // InstancePointID + the channel point each routes to
	Actions      []model.Route
}

// CreateInstance validates the product exists, inserts the instance and its
// routing rows in one catalog transaction, then best-effort registers the
// instance name in the RTDB and refreshes the routing cache
// (instance_manager.rs's create_instance, steps 1-7).
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (model.Instance, error) {
	product, err := m.catalog.GetProduct(ctx, req.ProductName)
	if err != nil {
		return model.Instance{}, err
	}

	inst := model.Instance{
		ID:         req.InstanceID,
		Name:       req.InstanceName,
		ProductID:  product.ID,
		ParentID:   req.ParentID,
		Properties: req.Properties,
	}
	if err := m.catalog.InsertInstance(ctx, inst, req.Measurements, req.Actions); err != nil {
		return model.Instance{}, err
	}

	if m.writer != nil {
		if err := m.writer.WriteInstanceName(ctx, req.InstanceID, req.InstanceName); err != nil {
			m.log.WithError(err).WithField("instance_id", req.InstanceID).
				Warn("instance: created in catalog but RTDB name registration failed, will retry on next reload")
		}
	}

	if err := m.RefreshRouting(ctx); err != nil {
		m.log.WithError(err).Warn("instance: routing cache refresh failed after create")
	}

	return inst, nil
}

// DeleteInstance removes the instance and its routes from the catalog, then
// refreshes the routing cache so stale C2M entries stop resolving
// (instance_manager.rs's delete_instance).
func (m *Manager) DeleteInstance(ctx context.Context, instanceID int64) error {
	if err := m.catalog.DeleteInstance(ctx, instanceID); err != nil {
		return err
	}
	if err := m.RefreshRouting(ctx); err != nil {
		m.log.WithError(err).Warn("instance: routing cache refresh failed after delete")
	}
	return nil
}

func (m *Manager) GetInstance(ctx context.Context, instanceID int64) (model.Instance, error) {
	inst, ok, err := m.catalog.GetInstance(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if !ok {
		return model.Instance{}, errcode.WrapMsg("instance.GetInstance", errcode.InstanceNotFound, fmt.Sprintf("instance %d not found", instanceID))
	}
	return inst, nil
}

func (m *Manager) ListInstances(ctx context.Context, productName string) ([]model.Instance, error) {
	return m.catalog.ListInstances(ctx, productName)
}

func (m *Manager) ListInstancesPaginated(ctx context.Context, productName string, page, pageSize int) (total int, instances []model.Instance, err error) {
	return m.catalog.ListInstancesPaginated(ctx, productName, page, pageSize)
}

func (m *Manager) SearchInstances(ctx context.Context, keyword, productName string, page, pageSize int) (total int, instances []model.Instance, err error) {
	return m.catalog.SearchInstances(ctx, keyword, productName, page, pageSize)
}

// LoadInstancePoints returns an instance's measurement and action point
// routings, used by the API handlers (spec.md §4.9's LoadInstancePoints).
func (m *Manager) LoadInstancePoints(ctx context.Context, instanceID int64) (measurements, actions []model.Route, err error) {
	return m.catalog.InstanceRoutes(ctx, instanceID)
}

// Outcomes ExecuteAction can report (spec.md §4.9).
const (
	OutcomeQueued    = "queued"
	OutcomeNotRouted = "not routed"
)

// ActionResult is ExecuteAction's result: a routed action dispatches through
// the command pipeline and reports its command id; an unrouted action still
// writes the value to the instance's own A bucket (so a later read sees it)
// but reports outcome "not routed" instead of failing the call.
type ActionResult struct {
	CommandID string
	Outcome   string
}

// ExecuteAction resolves actionIdx against the instance's action routing
// and dispatches a command to the underlying channel point
// (instance_manager.rs has no direct equivalent; this composes
// LoadInstancePoints with ingress's command path, the same way a resolved
// legacy pub/sub message or rule Action node would reach a driver). An
// actionIdx with no routing row is not an error (spec.md §4.9): the value
// still lands in the instance hash, just without a device-bound command.
func (m *Manager) ExecuteAction(ctx context.Context, instanceID int64, actionIdx int32, value float64) (ActionResult, error) {
	_, actions, err := m.catalog.InstanceRoutes(ctx, instanceID)
	if err != nil {
		return ActionResult{}, err
	}
	for _, a := range actions {
		if a.InstancePointID != actionIdx {
			continue
		}
		if !a.Enabled {
			return ActionResult{}, errcode.WrapMsg("instance.ExecuteAction", errcode.NoRoute, fmt.Sprintf("action %d on instance %d is disabled", actionIdx, instanceID))
		}
		if m.dispatcher == nil {
			return ActionResult{}, errcode.WrapMsg("instance.ExecuteAction", errcode.InvalidConfig, "no action dispatcher configured")
		}
		commandID, err := m.dispatcher.Dispatch(ctx, a.ChannelID, a.ChannelPointID, value)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{CommandID: commandID, Outcome: OutcomeQueued}, nil
	}
	if m.writer != nil {
		if err := m.writer.WriteInstancePoint(ctx, instanceID, model.KindAdjust, actionIdx, value); err != nil {
			return ActionResult{}, err
		}
	}
	return ActionResult{Outcome: OutcomeNotRouted}, nil
}

// RefreshRouting rebuilds the routing cache from the catalog's current
// measurement/forward routing tables (spec.md §4.6: "refreshed on demand
// after routing-management API calls").
func (m *Manager) RefreshRouting(ctx context.Context) error {
	if m.routes == nil {
		return nil
	}
	rows, err := m.catalog.AllMeasurementRoutes(ctx)
	if err != nil {
		return err
	}
	measurements := make([]routing.MeasurementRoute, 0, len(rows))
	for _, r := range rows {
		measurements = append(measurements, routing.MeasurementRoute{
			ChannelID:       r.ChannelID,
			ChannelType:     r.ChannelType,
			ChannelPointID:  r.ChannelPointID,
			InstanceID:      r.InstanceID,
			InstancePointID: r.InstancePointID,
		})
	}
	frows, err := m.catalog.AllForwardRoutes(ctx)
	if err != nil {
		return err
	}
	forwards := make([]routing.ForwardRoute, 0, len(frows))
	for _, f := range frows {
		forwards = append(forwards, routing.ForwardRoute{
			SrcChannelID:      f.SrcChannelID,
			SrcChannelType:    f.SrcChannelType,
			SrcChannelPointID: f.SrcPointID,
			DstChannelID:      f.DstChannelID,
			DstChannelType:    f.DstChannelType,
			DstChannelPointID: f.DstPointID,
		})
	}
	return m.routes.Rebuild(measurements, forwards)
}
