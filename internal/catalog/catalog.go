// Package catalog is the persistent product/instance/routing store backing
// the instance manager (C11) and the routing cache rebuild (C7). Grounded
// on original_source/services/modsrv/src/instance_manager.rs's SQLite
// schema (instances / measurement_routing / action_routing tables,
// transactional create/delete, LIKE-based search, MAX(instance_id)+1
// id allocation) reimplemented over database/sql with the
// modernc.org/sqlite pure-Go driver instead of sqlx, since this module has
// no async runtime to thread through sqlx's connection pool.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/x/strx"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	product_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS product_measurements (
	product_id  INTEGER NOT NULL REFERENCES products(product_id) ON DELETE CASCADE,
	idx         INTEGER NOT NULL,
	name        TEXT NOT NULL,
	unit        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (product_id, idx)
);
CREATE TABLE IF NOT EXISTS product_actions (
	product_id  INTEGER NOT NULL REFERENCES products(product_id) ON DELETE CASCADE,
	idx         INTEGER NOT NULL,
	name        TEXT NOT NULL,
	unit        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (product_id, idx)
);
CREATE TABLE IF NOT EXISTS instances (
	instance_id   INTEGER PRIMARY KEY,
	instance_name TEXT NOT NULL UNIQUE,
	product_name  TEXT NOT NULL,
	parent_id     INTEGER NOT NULL DEFAULT 0,
	properties    TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE TABLE IF NOT EXISTS measurement_routing (
	instance_id     INTEGER NOT NULL REFERENCES instances(instance_id) ON DELETE CASCADE,
	measurement_id  INTEGER NOT NULL,
	channel_id      INTEGER NOT NULL,
	channel_type    TEXT NOT NULL,
	channel_point_id INTEGER NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (instance_id, measurement_id)
);
CREATE TABLE IF NOT EXISTS action_routing (
	instance_id   INTEGER NOT NULL REFERENCES instances(instance_id) ON DELETE CASCADE,
	action_id     INTEGER NOT NULL,
	channel_id    INTEGER NOT NULL,
	channel_type  TEXT NOT NULL,
	channel_point_id INTEGER NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (instance_id, action_id)
);
CREATE TABLE IF NOT EXISTS forward_routing (
	src_channel_id    INTEGER NOT NULL,
	src_channel_type  TEXT NOT NULL,
	src_point_id      INTEGER NOT NULL,
	dst_channel_id    INTEGER NOT NULL,
	dst_channel_type  TEXT NOT NULL,
	dst_point_id      INTEGER NOT NULL,
	PRIMARY KEY (src_channel_id, src_channel_type, src_point_id, dst_channel_id, dst_channel_type, dst_point_id)
);
CREATE TABLE IF NOT EXISTS rules (
	rule_id    TEXT PRIMARY KEY,
	definition TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS channel_points (
	channel_id  INTEGER NOT NULL,
	point_id    INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	signal_name TEXT NOT NULL DEFAULT '',
	data_type   TEXT NOT NULL DEFAULT 'float64',
	scale       REAL NOT NULL DEFAULT 1,
	offset_val  REAL NOT NULL DEFAULT 0,
	unit        TEXT NOT NULL DEFAULT '',
	group_tag   TEXT NOT NULL DEFAULT '',
	mapping     TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (channel_id, point_id)
);
`

// Store wraps the catalog database. All methods are safe for concurrent use
// (database/sql pools connections internally).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite catalog at path and applies
// the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errcode.Wrap("catalog.Open", errcode.StorageUnavailable, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, matches the teacher's serialized-access pool use
	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errcode.Wrap("catalog.Open", errcode.StorageUnavailable, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- products ---

func (s *Store) GetProduct(ctx context.Context, name string) (model.Product, error) {
	var p model.Product
	p.Name = name
	err := s.db.QueryRowContext(ctx, `SELECT product_id FROM products WHERE name = ?`, name).Scan(&p.ID)
	if err == sql.ErrNoRows {
		return model.Product{}, errcode.WrapMsg("catalog.GetProduct", errcode.ProductNotFound, fmt.Sprintf("product %q not found", name))
	}
	if err != nil {
		return model.Product{}, errcode.Wrap("catalog.GetProduct", errcode.StorageUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT idx, name, unit, description FROM product_measurements WHERE product_id = ? ORDER BY idx`, p.ID)
	if err != nil {
		return model.Product{}, errcode.Wrap("catalog.GetProduct", errcode.StorageUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var pp model.ProductPoint
		if err := rows.Scan(&pp.Idx, &pp.Name, &pp.Unit, &pp.Description); err != nil {
			return model.Product{}, errcode.Wrap("catalog.GetProduct", errcode.StorageUnavailable, err)
		}
		pp.Name = strx.Coalesce(pp.Name, fmt.Sprintf("m%d", pp.Idx))
		pp.Description = strx.Coalesce(pp.Description, "(no description)")
		p.Measurements = append(p.Measurements, pp)
	}

	arows, err := s.db.QueryContext(ctx, `SELECT idx, name, unit, description FROM product_actions WHERE product_id = ? ORDER BY idx`, p.ID)
	if err != nil {
		return model.Product{}, errcode.Wrap("catalog.GetProduct", errcode.StorageUnavailable, err)
	}
	defer arows.Close()
	for arows.Next() {
		var pp model.ProductPoint
		if err := arows.Scan(&pp.Idx, &pp.Name, &pp.Unit, &pp.Description); err != nil {
			return model.Product{}, errcode.Wrap("catalog.GetProduct", errcode.StorageUnavailable, err)
		}
		pp.Name = strx.Coalesce(pp.Name, fmt.Sprintf("a%d", pp.Idx))
		pp.Description = strx.Coalesce(pp.Description, "(no description)")
		p.Actions = append(p.Actions, pp)
	}
	return p, nil
}

// PutProduct inserts or replaces a product definition and its point lists.
func (s *Store) PutProduct(ctx context.Context, p model.Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO products(name) VALUES (?) ON CONFLICT(name) DO UPDATE SET name = excluded.name`, p.Name); err != nil {
		return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
	}
	var productID int64
	if err := tx.QueryRowContext(ctx, `SELECT product_id FROM products WHERE name = ?`, p.Name).Scan(&productID); err != nil {
		return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_measurements WHERE product_id = ?`, productID); err != nil {
		return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
	}
	for _, pp := range p.Measurements {
		if _, err := tx.ExecContext(ctx, `INSERT INTO product_measurements(product_id, idx, name, unit, description) VALUES (?,?,?,?,?)`,
			productID, pp.Idx, pp.Name, pp.Unit, pp.Description); err != nil {
			return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_actions WHERE product_id = ?`, productID); err != nil {
		return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
	}
	for _, pp := range p.Actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO product_actions(product_id, idx, name, unit, description) VALUES (?,?,?,?,?)`,
			productID, pp.Idx, pp.Name, pp.Unit, pp.Description); err != nil {
			return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errcode.Wrap("catalog.PutProduct", errcode.StorageUnavailable, err)
	}
	return nil
}

// --- instances ---

func propertiesJSON(props map[string]any) (string, error) {
	if props == nil {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NextInstanceID returns MAX(instance_id)+1, or 1 if the table is empty
// (instance_manager.rs's get_next_instance_id).
func (s *Store) NextInstanceID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(instance_id) FROM instances`).Scan(&max); err != nil {
		return 0, errcode.Wrap("catalog.NextInstanceID", errcode.StorageUnavailable, err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// InsertInstance inserts the instance row plus its measurement/action route
// rows in one transaction (instance_manager.rs's create_instance, minus the
// Redis best-effort step, which callers perform separately through
// internal/storage after a successful insert).
func (s *Store) InsertInstance(ctx context.Context, inst model.Instance, measurementRoutes, actionRoutes []model.Route) error {
	propsJSON, err := propertiesJSON(inst.Properties)
	if err != nil {
		return errcode.Wrap("catalog.InsertInstance", errcode.InvalidConfig, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Wrap("catalog.InsertInstance", errcode.StorageUnavailable, err)
	}
	defer tx.Rollback()

	var productName string
	if err := tx.QueryRowContext(ctx, `SELECT name FROM products WHERE product_id = ?`, inst.ProductID).Scan(&productName); err != nil {
		if err == sql.ErrNoRows {
			return errcode.WrapMsg("catalog.InsertInstance", errcode.ProductNotFound, fmt.Sprintf("product id %d not found", inst.ProductID))
		}
		return errcode.Wrap("catalog.InsertInstance", errcode.StorageUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO instances(instance_id, instance_name, product_name, parent_id, properties) VALUES (?,?,?,?,?)`,
		inst.ID, inst.Name, productName, inst.ParentID, propsJSON); err != nil {
		return errcode.Wrap("catalog.InsertInstance", errcode.DuplicateName, err)
	}

	for _, r := range measurementRoutes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO measurement_routing(instance_id, measurement_id, channel_id, channel_type, channel_point_id, enabled) VALUES (?,?,?,?,?,?)`,
			inst.ID, r.InstancePointID, r.ChannelID, string(r.ChannelType), r.ChannelPointID, r.Enabled); err != nil {
			return errcode.Wrap("catalog.InsertInstance", errcode.StorageUnavailable, err)
		}
	}
	for _, r := range actionRoutes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_routing(instance_id, action_id, channel_id, channel_type, channel_point_id, enabled) VALUES (?,?,?,?,?,?)`,
			inst.ID, r.InstancePointID, r.ChannelID, string(r.ChannelType), r.ChannelPointID, r.Enabled); err != nil {
			return errcode.Wrap("catalog.InsertInstance", errcode.StorageUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errcode.Wrap("catalog.InsertInstance", errcode.StorageUnavailable, err)
	}
	return nil
}

func scanInstance(row interface {
	Scan(dest ...any) error
}) (model.Instance, error) {
	var inst model.Instance
	var propsJSON string
	if err := row.Scan(&inst.ID, &inst.Name, &inst.ProductID, &inst.ParentID, &propsJSON); err != nil {
		return model.Instance{}, err
	}
	if propsJSON != "" {
		if err := json.Unmarshal([]byte(propsJSON), &inst.Properties); err != nil {
			return model.Instance{}, err
		}
	}
	return inst, nil
}

// GetInstance fetches one instance by id. The returned ProductID holds the
// product's product_id, resolved via its stored name.
func (s *Store) GetInstance(ctx context.Context, id int64) (model.Instance, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT i.instance_id, i.instance_name, p.product_id, i.parent_id, i.properties
		FROM instances i JOIN products p ON p.name = i.product_name
		WHERE i.instance_id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return model.Instance{}, false, nil
	}
	if err != nil {
		return model.Instance{}, false, errcode.Wrap("catalog.GetInstance", errcode.StorageUnavailable, err)
	}
	return inst, true, nil
}

// DeleteInstance removes the instance row; route rows cascade.
func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, id)
	if err != nil {
		return errcode.Wrap("catalog.DeleteInstance", errcode.StorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.WrapMsg("catalog.DeleteInstance", errcode.InstanceNotFound, fmt.Sprintf("instance %d not found", id))
	}
	return nil
}

// ListInstances returns every instance, optionally filtered by product
// name, ordered by instance id (instance_manager.rs's list_instances).
func (s *Store) ListInstances(ctx context.Context, productName string) ([]model.Instance, error) {
	return s.queryInstances(ctx, `
		SELECT i.instance_id, i.instance_name, p.product_id, i.parent_id, i.properties
		FROM instances i JOIN products p ON p.name = i.product_name
		WHERE (? = '' OR i.product_name = ?) ORDER BY i.instance_id ASC`, productName, productName)
}

// ListInstancesPaginated returns (total matching rows, this page's rows).
func (s *Store) ListInstancesPaginated(ctx context.Context, productName string, page, pageSize int) (int, []model.Instance, error) {
	total, err := s.countInstances(ctx, `SELECT COUNT(*) FROM instances WHERE (? = '' OR product_name = ?)`, productName, productName)
	if err != nil {
		return 0, nil, err
	}
	offset := (page - 1) * pageSize
	rows, err := s.queryInstances(ctx, `
		SELECT i.instance_id, i.instance_name, p.product_id, i.parent_id, i.properties
		FROM instances i JOIN products p ON p.name = i.product_name
		WHERE (? = '' OR i.product_name = ?) ORDER BY i.instance_id ASC LIMIT ? OFFSET ?`,
		productName, productName, pageSize, offset)
	return total, rows, err
}

// SearchInstances does a LIKE %keyword% match on instance name
// (instance_manager.rs's search_instances).
func (s *Store) SearchInstances(ctx context.Context, keyword, productName string, page, pageSize int) (int, []model.Instance, error) {
	like := "%" + keyword + "%"
	total, err := s.countInstances(ctx, `SELECT COUNT(*) FROM instances WHERE instance_name LIKE ? AND (? = '' OR product_name = ?)`, like, productName, productName)
	if err != nil {
		return 0, nil, err
	}
	offset := (page - 1) * pageSize
	rows, err := s.queryInstances(ctx, `
		SELECT i.instance_id, i.instance_name, p.product_id, i.parent_id, i.properties
		FROM instances i JOIN products p ON p.name = i.product_name
		WHERE i.instance_name LIKE ? AND (? = '' OR i.product_name = ?)
		ORDER BY i.instance_id ASC LIMIT ? OFFSET ?`, like, productName, productName, pageSize, offset)
	return total, rows, err
}

func (s *Store) countInstances(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errcode.Wrap("catalog.countInstances", errcode.StorageUnavailable, err)
	}
	return n, nil
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]model.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.Wrap("catalog.queryInstances", errcode.StorageUnavailable, err)
	}
	defer rows.Close()
	var out []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errcode.Wrap("catalog.queryInstances", errcode.StorageUnavailable, err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- routing ---

// InstanceRoutes returns an instance's measurement and action routes, for
// command dispatch and RTDB bucket initialization.
func (s *Store) InstanceRoutes(ctx context.Context, instanceID int64) (measurements, actions []model.Route, err error) {
	measurements, err = s.queryRoutes(ctx, `SELECT measurement_id, channel_id, channel_type, channel_point_id, enabled FROM measurement_routing WHERE instance_id = ?`, model.RouteMeasurement, instanceID, instanceID)
	if err != nil {
		return nil, nil, err
	}
	actions, err = s.queryRoutes(ctx, `SELECT action_id, channel_id, channel_type, channel_point_id, enabled FROM action_routing WHERE instance_id = ?`, model.RouteAction, instanceID, instanceID)
	return measurements, actions, err
}

func (s *Store) queryRoutes(ctx context.Context, query string, kind model.RouteKind, instanceID int64, args ...any) ([]model.Route, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.Wrap("catalog.queryRoutes", errcode.StorageUnavailable, err)
	}
	defer rows.Close()
	var out []model.Route
	for rows.Next() {
		var r model.Route
		var channelType string
		var enabled bool
		if err := rows.Scan(&r.InstancePointID, &r.ChannelID, &channelType, &r.ChannelPointID, &enabled); err != nil {
			return nil, errcode.Wrap("catalog.queryRoutes", errcode.StorageUnavailable, err)
		}
		r.InstanceID = instanceID
		r.Kind = kind
		r.ChannelType = model.Kind(channelType)
		r.Enabled = enabled
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllMeasurementRoutes and AllForwardRoutes feed the routing cache rebuild
// (spec.md §4.6, C7).
func (s *Store) AllMeasurementRoutes(ctx context.Context) ([]MeasurementRouteRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, channel_type, channel_point_id, instance_id, measurement_id
		FROM measurement_routing WHERE enabled = 1`)
	if err != nil {
		return nil, errcode.Wrap("catalog.AllMeasurementRoutes", errcode.StorageUnavailable, err)
	}
	defer rows.Close()
	var out []MeasurementRouteRow
	for rows.Next() {
		var r MeasurementRouteRow
		var channelType string
		if err := rows.Scan(&r.ChannelID, &channelType, &r.ChannelPointID, &r.InstanceID, &r.InstancePointID); err != nil {
			return nil, errcode.Wrap("catalog.AllMeasurementRoutes", errcode.StorageUnavailable, err)
		}
		r.ChannelType = model.Kind(channelType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MeasurementRouteRow is one row backing a routing.MeasurementRoute.
type MeasurementRouteRow struct {
	ChannelID      uint16
	ChannelType    model.Kind
	ChannelPointID uint32
	InstanceID     int64
	InstancePointID int32
}

func (s *Store) PutForwardRoute(ctx context.Context, r model.Route, srcChannelID uint16, srcChannelType model.Kind, srcPointID uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO forward_routing(src_channel_id, src_channel_type, src_point_id, dst_channel_id, dst_channel_type, dst_point_id)
		VALUES (?,?,?,?,?,?)`,
		srcChannelID, string(srcChannelType), srcPointID, r.ChannelID, string(r.ChannelType), r.ChannelPointID)
	if err != nil {
		return errcode.Wrap("catalog.PutForwardRoute", errcode.StorageUnavailable, err)
	}
	return nil
}

// ForwardRouteRow is one row backing a routing.ForwardRoute.
type ForwardRouteRow struct {
	SrcChannelID   uint16
	SrcChannelType model.Kind
	SrcPointID     uint32
	DstChannelID   uint16
	DstChannelType model.Kind
	DstPointID     uint32
}

func (s *Store) AllForwardRoutes(ctx context.Context) ([]ForwardRouteRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT src_channel_id, src_channel_type, src_point_id, dst_channel_id, dst_channel_type, dst_point_id FROM forward_routing`)
	if err != nil {
		return nil, errcode.Wrap("catalog.AllForwardRoutes", errcode.StorageUnavailable, err)
	}
	defer rows.Close()
	var out []ForwardRouteRow
	for rows.Next() {
		var r ForwardRouteRow
		var srcType, dstType string
		if err := rows.Scan(&r.SrcChannelID, &srcType, &r.SrcPointID, &r.DstChannelID, &dstType, &r.DstPointID); err != nil {
			return nil, errcode.Wrap("catalog.AllForwardRoutes", errcode.StorageUnavailable, err)
		}
		r.SrcChannelType, r.DstChannelType = model.Kind(srcType), model.Kind(dstType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- rules ---

func (s *Store) PutRule(ctx context.Context, ruleID string, definitionJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO rules(rule_id, definition) VALUES (?, ?)`, ruleID, string(definitionJSON))
	if err != nil {
		return errcode.Wrap("catalog.PutRule", errcode.StorageUnavailable, err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, ruleID string) ([]byte, bool, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM rules WHERE rule_id = ?`, ruleID).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errcode.Wrap("catalog.GetRule", errcode.StorageUnavailable, err)
	}
	return []byte(def), true, nil
}

func (s *Store) ListRuleIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id FROM rules ORDER BY rule_id`)
	if err != nil {
		return nil, errcode.Wrap("catalog.ListRuleIDs", errcode.StorageUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errcode.Wrap("catalog.ListRuleIDs", errcode.StorageUnavailable, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- channel points ---

// PutChannelPoint inserts or replaces one channel's point definition,
// storing the protocol-specific Mapping as a JSON blob the same way
// InsertInstance stores Instance.Properties.
func (s *Store) PutChannelPoint(ctx context.Context, channelID uint16, p model.Point) error {
	mapping, err := json.Marshal(p.Mapping)
	if err != nil {
		return errcode.Wrap("catalog.PutChannelPoint", errcode.InvalidConfig, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel_points(channel_id, point_id, kind, signal_name, data_type, scale, offset_val, unit, group_tag, mapping)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(channel_id, point_id) DO UPDATE SET
			kind=excluded.kind, signal_name=excluded.signal_name, data_type=excluded.data_type,
			scale=excluded.scale, offset_val=excluded.offset_val, unit=excluded.unit,
			group_tag=excluded.group_tag, mapping=excluded.mapping`,
		channelID, p.PointID, string(p.Kind), p.SignalName, string(p.DataType), p.Scale, p.Offset, p.Unit, p.Group, string(mapping))
	if err != nil {
		return errcode.Wrap("catalog.PutChannelPoint", errcode.StorageUnavailable, err)
	}
	return nil
}

// ChannelPoints loads every point configured for a channel (driver.go's
// Driver.Start precondition: points come from the catalog, not the
// channel's config-file entry).
func (s *Store) ChannelPoints(ctx context.Context, channelID uint16) ([]model.Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, kind, signal_name, data_type, scale, offset_val, unit, group_tag, mapping
		FROM channel_points WHERE channel_id = ? ORDER BY point_id`, channelID)
	if err != nil {
		return nil, errcode.Wrap("catalog.ChannelPoints", errcode.StorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.Point
	for rows.Next() {
		var p model.Point
		var kind, dataType, mapping string
		if err := rows.Scan(&p.PointID, &kind, &p.SignalName, &dataType, &p.Scale, &p.Offset, &p.Unit, &p.Group, &mapping); err != nil {
			return nil, errcode.Wrap("catalog.ChannelPoints", errcode.StorageUnavailable, err)
		}
		p.ChannelID = channelID
		p.Kind = model.Kind(kind)
		p.DataType = model.DataType(dataType)
		if err := json.Unmarshal([]byte(mapping), &p.Mapping); err != nil {
			return nil, errcode.Wrap("catalog.ChannelPoints", errcode.InvalidConfig, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
