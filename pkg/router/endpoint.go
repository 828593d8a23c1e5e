package router

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"
)

// Endpoint is a backend a Socket can be attached to.
//
// RoutingID is the identity frame used to address the connection once
// established, Address is where to dial it.
// Endpoints are immutable once built, sets of them are kept sorted by
// (RoutingID, Address).
type Endpoint struct {
	RoutingID []byte
	Address   string
}

// NewEndpoint returns an Endpoint whose routing identity is its address.
func NewEndpoint(addr string) Endpoint {
	return Endpoint{RoutingID: []byte(addr), Address: addr}
}

// Route is the routing identity as a map key.
func (ep Endpoint) Route() string {
	return string(ep.RoutingID)
}

func (ep Endpoint) String() string {
	if ep.Route() == ep.Address {
		return ep.Address
	}
	return ep.Route() + "@" + ep.Address
}

func (ep Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("route", ep.Route()),
		slog.String("addr", ep.Address),
	)
}

// Compare orders endpoints by routing identity, then by address.
func Compare(a, b Endpoint) int {
	if c := bytes.Compare(a.RoutingID, b.RoutingID); c != 0 {
		return c
	}
	return strings.Compare(a.Address, b.Address)
}

// SortEndpoints returns a sorted copy of eps with duplicates removed.
func SortEndpoints(eps []Endpoint) []Endpoint {
	out := slices.Clone(eps)
	slices.SortFunc(out, Compare)
	return slices.CompactFunc(out, func(a, b Endpoint) bool {
		return Compare(a, b) == 0
	})
}

// EqualEndpoints reports whether two sorted sets hold the same endpoints.
func EqualEndpoints(a, b []Endpoint) bool {
	return slices.EqualFunc(a, b, func(x, y Endpoint) bool {
		return Compare(x, y) == 0
	})
}

// DiffEndpoints compares two sorted sets and returns what old has that
// next lacks, and what next adds on top of old.
func DiffEndpoints(old, next []Endpoint) (missing, added []Endpoint) {
	for _, ep := range old {
		if _, found := slices.BinarySearchFunc(next, ep, Compare); !found {
			missing = append(missing, ep)
		}
	}
	for _, ep := range next {
		if _, found := slices.BinarySearchFunc(old, ep, Compare); !found {
			added = append(added, ep)
		}
	}
	return
}
