package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ProjectStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusRunning, true},
		{StatusProcessing, StatusFailed, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusFailed, true},
		{StatusStopped, StatusRunning, true},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusRunning, false},
		{StatusStopped, StatusProcessing, false},
		{StatusPending, StatusRunning, false},
		{StatusRunning, StatusRunning, false},
		{StatusDeleted, StatusPending, false},
		{StatusDeleted, StatusDeleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	for _, s := range []ProjectStatus{StatusPending, StatusProcessing, StatusRunning, StatusStopped, StatusFailed} {
		if !CanTransition(s, StatusDeleted) {
			t.Errorf("expected %s to allow delete", s)
		}
	}
}

func TestOwnedByHidesDeleted(t *testing.T) {
	p := Project{OwnerID: 7, Status: StatusRunning}
	if !p.OwnedBy(7) || p.OwnedBy(8) {
		t.Fatalf("unexpected ownership result")
	}
	p.Status = StatusDeleted
	if p.OwnedBy(7) {
		t.Fatalf("deleted project must not be visible")
	}
}
