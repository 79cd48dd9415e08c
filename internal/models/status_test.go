package models

import "testing"

func TestStatusAdvances(t *testing.T) {
	cases := []struct {
		from, to RideStatus
		want     bool
	}{
		{"", StatusSearching, true},
		{"", StatusCompleted, true},
		{StatusSearching, StatusStart, true},
		{StatusStart, StatusStart, true},
		{StatusArrived, StatusStart, false},
		{StatusArrived, StatusCancelled, true},
		{StatusCompleted, StatusCompleted, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusSearching, RideStatus("BOGUS"), false},
	}
	for _, c := range cases {
		if got := c.from.Advances(c.to); got != c.want {
			t.Fatalf("%q -> %q: expected %v, got %v", c.from, c.to, c.want, got)
		}
	}
}

func TestCounterpartyByRole(t *testing.T) {
	r := Ride{ID: "r1", Requester: Party{ID: "req"}}
	if _, ok := r.Counterparty(RoleRequester); ok {
		t.Fatal("requester should have no counterparty before assignment")
	}
	r.Fulfiller = &Party{ID: "ful"}
	p, ok := r.Counterparty(RoleRequester)
	if !ok || p.ID != "ful" {
		t.Fatalf("expected fulfiller counterparty, got %+v", p)
	}
	p, ok = r.Counterparty(RoleFulfiller)
	if !ok || p.ID != "req" {
		t.Fatalf("expected requester counterparty, got %+v", p)
	}
}
