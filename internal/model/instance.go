package model

// Product is a named template with measurement and action point definitions
// (spec.md §3). Instances realize products.
type Product struct {
	ID           int64
	Name         string
	Measurements []ProductPoint
	Actions      []ProductPoint
}

// ProductPoint is one measurement or action slot in a product template.
type ProductPoint struct {
	Idx         int32
	Name        string
	Unit        string
	Description string
}

// Instance is a named realization of a product (spec.md §3).
type Instance struct {
	ID         int64
	Name       string
	ProductID  int64
	ParentID   int64 // 0 = root
	Properties map[string]any
}

// RouteKind distinguishes measurement routing from action routing.
type RouteKind string

const (
	RouteMeasurement RouteKind = "M"
	RouteAction      RouteKind = "A"
)

// Route maps an instance point to a concrete channel point (spec.md §3).
// At most one Route exists per (InstanceID, Kind, InstancePointID).
type Route struct {
	InstanceID      int64
	Kind            RouteKind
	InstancePointID int32
	ChannelID       uint16
	ChannelType     Kind // T/S for measurement routes, C/A for action routes
	ChannelPointID  uint32
	Enabled         bool
}
