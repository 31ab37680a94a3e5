package db

import (
	"testing"
	"time"
)

func TestMergeStatus(t *testing.T) {
	tests := []struct {
		current  Status
		incoming Status
		want     Status
		changed  bool
	}{
		{StatusPending, StatusSent, StatusSent, true},
		{StatusSent, StatusDelivered, StatusDelivered, true},
		{StatusSent, StatusRead, StatusRead, true},
		{StatusDelivered, StatusRead, StatusRead, true},
		{StatusDelivered, StatusSent, StatusDelivered, false},
		{StatusRead, StatusDelivered, StatusRead, false},
		{StatusSent, StatusSent, StatusSent, false},
		{StatusPending, StatusFailed, StatusFailed, true},
		{StatusSent, StatusFailed, StatusFailed, true},
		{StatusDelivered, StatusFailed, StatusDelivered, false},
		{StatusRead, StatusFailed, StatusRead, false},
		{StatusFailed, StatusRead, StatusFailed, false},
		{StatusFailed, StatusFailed, StatusFailed, false},
		{StatusSent, Status("BOUNCED"), StatusSent, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.incoming), func(t *testing.T) {
			got, changed := MergeStatus(tt.current, tt.incoming)
			if got != tt.want || changed != tt.changed {
				t.Errorf("MergeStatus(%s, %s) = (%s, %v), want (%s, %v)",
					tt.current, tt.incoming, got, changed, tt.want, tt.changed)
			}
		})
	}
}

// Every ordering of the same events converges on one state. FAILED only wins
// when it arrives before delivery was observed, so sets mixing FAILED with
// DELIVERED may end on either of the two.
func TestMergeStatusOrderIndependent(t *testing.T) {
	sets := [][]Status{
		{StatusSent, StatusDelivered, StatusRead},
		{StatusSent, StatusFailed},
		{StatusSent, StatusDelivered, StatusFailed},
		{StatusSent, StatusDelivered, StatusRead, StatusRead, StatusDelivered},
	}

	for _, events := range sets {
		var want Status
		first := true
		permute(events, func(order []Status) {
			st := StatusPending
			for _, ev := range order {
				st, _ = MergeStatus(st, ev)
			}
			if first {
				want, first = st, false
				return
			}
			if st != want && !(st == StatusFailed || want == StatusFailed) {
				t.Errorf("order %v converged on %s, another order on %s", order, st, want)
			}
		})
	}
}

func TestMergeStatusNeverRegresses(t *testing.T) {
	all := []Status{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed}
	for _, cur := range all {
		for _, in := range all {
			got, _ := MergeStatus(cur, in)
			if cur == StatusFailed && got != StatusFailed {
				t.Errorf("FAILED left for %s", got)
			}
			if cur != StatusFailed && got != StatusFailed && got.Rank() < cur.Rank() {
				t.Errorf("MergeStatus(%s, %s) regressed to %s", cur, in, got)
			}
		}
	}
}

func TestTransitionTimes(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	earlier := at.Add(-time.Hour)

	d, r := TransitionTimes(StatusRead, at, nil, nil)
	if d == nil || !d.Equal(at) || r == nil || !r.Equal(at) {
		t.Errorf("READ should set both timestamps, got %v %v", d, r)
	}

	d, r = TransitionTimes(StatusRead, at, &earlier, nil)
	if !d.Equal(earlier) {
		t.Errorf("existing deliveredAt overwritten: %v", d)
	}
	if r == nil {
		t.Error("readAt not set")
	}

	d, r = TransitionTimes(StatusSent, at, nil, nil)
	if d != nil || r != nil {
		t.Errorf("SENT should not set timestamps, got %v %v", d, r)
	}
}

func TestParseStatus(t *testing.T) {
	if st, ok := ParseStatus(" delivered "); !ok || st != StatusDelivered {
		t.Errorf("ParseStatus = %s, %v", st, ok)
	}
	if _, ok := ParseStatus("queued"); ok {
		t.Error("unknown status accepted")
	}
}

func permute(s []Status, fn func([]Status)) {
	var rec func(int)
	rec = func(k int) {
		if k == len(s) {
			cp := append([]Status(nil), s...)
			fn(cp)
			return
		}
		for i := k; i < len(s); i++ {
			s[k], s[i] = s[i], s[k]
			rec(k + 1)
			s[k], s[i] = s[i], s[k]
		}
	}
	rec(0)
}
