package router

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestSortEndpoints(t *testing.T) {
	eps := []Endpoint{
		NewEndpoint("10.0.0.2:5000"),
		{RoutingID: []byte("b"), Address: "10.0.0.1:5000"},
		NewEndpoint("10.0.0.1:5000"),
		NewEndpoint("10.0.0.2:5000"),
		{RoutingID: []byte("b"), Address: "10.0.0.0:5000"},
	}

	got := SortEndpoints(eps)
	want := []Endpoint{
		NewEndpoint("10.0.0.1:5000"),
		NewEndpoint("10.0.0.2:5000"),
		{RoutingID: []byte("b"), Address: "10.0.0.0:5000"},
		{RoutingID: []byte("b"), Address: "10.0.0.1:5000"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SortEndpoints (-want, +got):\n%s", diff)
	}

	require.Len(t, eps, 5, "input must not be modified")
}

func TestDiffEndpoints(t *testing.T) {
	a := NewEndpoint("a:1")
	b := NewEndpoint("b:1")
	c := NewEndpoint("c:1")

	tests := []struct {
		name          string
		old, next     []Endpoint
		missing, adds []Endpoint
	}{
		{"identical", []Endpoint{a, b}, []Endpoint{a, b}, nil, nil},
		{"only additions", []Endpoint{a}, []Endpoint{a, b, c}, nil, []Endpoint{b, c}},
		{"only removals", []Endpoint{a, b, c}, []Endpoint{b}, []Endpoint{a, c}, nil},
		{"both", []Endpoint{a, b}, []Endpoint{b, c}, []Endpoint{a}, []Endpoint{c}},
		{"from empty", nil, []Endpoint{a}, nil, []Endpoint{a}},
		{"to empty", []Endpoint{a}, nil, []Endpoint{a}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			missing, added := DiffEndpoints(tc.old, tc.next)
			if diff := cmp.Diff(tc.missing, missing); diff != "" {
				t.Errorf("missing (-want, +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.adds, added); diff != "" {
				t.Errorf("added (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestEqualEndpoints(t *testing.T) {
	require.True(t, EqualEndpoints(nil, []Endpoint{}))
	require.True(t, EqualEndpoints(
		[]Endpoint{NewEndpoint("a:1")},
		[]Endpoint{{RoutingID: []byte("a:1"), Address: "a:1"}},
	))
	require.False(t, EqualEndpoints(
		[]Endpoint{NewEndpoint("a:1")},
		[]Endpoint{{RoutingID: []byte("a"), Address: "a:1"}},
	))
}
