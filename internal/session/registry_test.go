package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/christopherjohns/consultsync/internal/enrollment"
)

type nopHandle struct{ name string }

func (nopHandle) Send([]byte) error { return nil }

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(append([]Option{WithIdleTTL(0)}, opts...)...)
	t.Cleanup(r.Close)
	return r
}

func find(ps []Participant, id string) (Participant, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func TestJoinAndLeave(t *testing.T) {
	r := newTestRegistry(t)

	res := r.Join("s1", Participant{ID: "pc-1", Role: RoleTellerPC, Handle: nopHandle{"a"}})
	if !res.Accepted {
		t.Fatalf("expected join accepted, got %+v", res)
	}
	if res.Participant.JoinedAt.IsZero() {
		t.Fatal("expected JoinedAt to be set")
	}

	ps := r.Participants("s1")
	if _, ok := find(ps, "pc-1"); !ok || len(ps) != 1 {
		t.Fatalf("expected pc-1 in participants, got %+v", ps)
	}

	if !r.Leave("s1", "pc-1") {
		t.Fatal("expected leave to remove pc-1")
	}
	if ps := r.Participants("s1"); len(ps) != 0 {
		t.Fatalf("expected no participants after leave, got %d", len(ps))
	}
	if r.Count() != 1 {
		t.Fatalf("expected idle session to be kept, got %d sessions", r.Count())
	}
	snap, _ := r.Snapshot("s1")
	if snap.IdleSince.IsZero() {
		t.Fatal("expected session to be marked idle")
	}
}

func TestRejoinReplacesHandle(t *testing.T) {
	r := newTestRegistry(t)

	first := r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet, Handle: nopHandle{"old"}, ConnID: "c1"})
	for i := 0; i < 5; i++ {
		res := r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet, Handle: nopHandle{"new"}, ConnID: "c2"})
		if !res.Accepted || !res.Rejoined {
			t.Fatalf("expected accepted rejoin, got %+v", res)
		}
	}

	ps := r.Participants("s1")
	if len(ps) != 1 {
		t.Fatalf("expected 1 participant after rejoins, got %d", len(ps))
	}
	if h := ps[0].Handle.(nopHandle); h.name != "new" {
		t.Errorf("expected latest handle, got %q", h.name)
	}
	if !ps[0].JoinedAt.Equal(first.Participant.JoinedAt) {
		t.Error("expected JoinedAt to be kept across rejoin")
	}
}

func TestDetachIgnoresStaleConnection(t *testing.T) {
	r := newTestRegistry(t)

	r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet, ConnID: "c1"})
	r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet, ConnID: "c2"})

	if r.Detach("s1", "tab-1", "c1") {
		t.Fatal("expected stale connection detach to be ignored")
	}
	if len(r.Participants("s1")) != 1 {
		t.Fatal("expected participant to remain")
	}
	if !r.Detach("s1", "tab-1", "c2") {
		t.Fatal("expected current connection detach to remove participant")
	}
}

func TestSecondTabletRejected(t *testing.T) {
	r := newTestRegistry(t)

	r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet})
	res := r.Join("s1", Participant{ID: "tab-2", Role: RoleCustomerTablet})
	if res.Accepted {
		t.Fatal("expected second tablet to be rejected")
	}
	if res.Reason == "" {
		t.Error("expected a rejection reason")
	}
	if len(r.Participants("s1")) != 1 {
		t.Fatal("rejected tablet must not be attached")
	}

	multi := newTestRegistry(t, WithMultipleTablets(true))
	multi.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet})
	if !multi.Join("s1", Participant{ID: "tab-2", Role: RoleCustomerTablet}).Accepted {
		t.Fatal("expected second tablet accepted when allowed")
	}
}

func TestParticipantMovesBetweenSessions(t *testing.T) {
	r := newTestRegistry(t)

	if res := r.Join("s1", Participant{ID: "obs-1", Role: RoleObserver}); res.MovedFrom != "" {
		t.Fatalf("first join should not report a move, got %q", res.MovedFrom)
	}
	if res := r.Join("s2", Participant{ID: "obs-1", Role: RoleObserver}); res.MovedFrom != "s1" {
		t.Fatalf("expected move from s1, got %q", res.MovedFrom)
	}

	if _, ok := find(r.Participants("s1"), "obs-1"); ok {
		t.Fatal("expected obs-1 removed from s1")
	}
	if _, ok := find(r.Participants("s2"), "obs-1"); !ok {
		t.Fatal("expected obs-1 in s2")
	}
}

func TestStartEnrollmentFallback(t *testing.T) {
	r := newTestRegistry(t)

	st, err := r.StartEnrollment("s1", enrollment.Product{ID: "P033", Type: "loan"}, nil)
	if err != nil {
		t.Fatalf("start enrollment: %v", err)
	}
	if len(st.Forms) != 4 {
		t.Fatalf("expected 4 default forms, got %d", len(st.Forms))
	}
	if st.CurrentFormIndex != 0 {
		t.Fatalf("expected index 0, got %d", st.CurrentFormIndex)
	}
	if r.Count() != 1 {
		t.Fatal("expected StartEnrollment to create the session")
	}
}

func TestAdvanceFormScenario(t *testing.T) {
	r := newTestRegistry(t)

	r.Join("s1", Participant{ID: "pc-1", Role: RoleTellerPC})
	r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet})
	if _, err := r.StartEnrollment("s1", enrollment.Product{ID: "P033", Type: "loan"}, nil); err != nil {
		t.Fatalf("start enrollment: %v", err)
	}

	st, err := r.AdvanceForm("s1", enrollment.Next)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	v := st.NavigationView()
	if v.CurrentFormIndex != 1 || !v.CanGoPrev {
		t.Fatalf("expected index 1 with canGoPrev, got %+v", v)
	}
}

func TestAdvanceFormIdempotentAtBoundaries(t *testing.T) {
	r := newTestRegistry(t)
	r.StartEnrollment("s1", enrollment.Product{ID: "P1"}, nil)

	for i := 0; i < 10; i++ {
		st, err := r.AdvanceForm("s1", enrollment.Prev)
		if err != nil || st.CurrentFormIndex != 0 {
			t.Fatalf("prev at 0: index %d err %v", st.CurrentFormIndex, err)
		}
	}
	for i := 0; i < 10; i++ {
		r.AdvanceForm("s1", enrollment.Next)
	}
	st, _ := r.Enrollment("s1")
	if st.CurrentFormIndex != 3 {
		t.Fatalf("expected last index 3, got %d", st.CurrentFormIndex)
	}
}

func TestAdvanceFormWithoutEnrollment(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.AdvanceForm("missing", enrollment.Next); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("expected ErrNoEnrollment for unknown session, got %v", err)
	}
	r.Join("s1", Participant{ID: "pc-1", Role: RoleTellerPC})
	if _, err := r.AdvanceForm("s1", enrollment.Next); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("expected ErrNoEnrollment, got %v", err)
	}
}

func TestConcurrentAdvanceStaysInRange(t *testing.T) {
	r := newTestRegistry(t)
	st, _ := r.StartEnrollment("s1", enrollment.Product{ID: "P1"}, nil)
	last := len(st.Forms) - 1

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 1)

	// Third reader: never observes an out-of-range index.
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			cur, ok := r.Enrollment("s1")
			if ok && (cur.CurrentFormIndex < 0 || cur.CurrentFormIndex > last) {
				select {
				case errs <- fmt.Errorf("observed index %d", cur.CurrentFormIndex):
				default:
				}
			}
		}
	}()

	for _, d := range []enrollment.Direction{enrollment.Next, enrollment.Prev} {
		wg.Add(1)
		go func(d enrollment.Direction) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				got, err := r.AdvanceForm("s1", d)
				if err != nil || got.CurrentFormIndex < 0 || got.CurrentFormIndex > last {
					select {
					case errs <- fmt.Errorf("advance %v: index %d err %v", d, got.CurrentFormIndex, err):
					default:
					}
				}
			}
		}(d)
	}
	wg.Wait()
	close(stop)

	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
}

func TestSessionsDoNotShareState(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			r.Join(id, Participant{ID: "pc-" + id, Role: RoleTellerPC})
			r.StartEnrollment(id, enrollment.Product{ID: "P1"}, nil)
			r.AdvanceForm(id, enrollment.Next)
		}(i)
	}
	wg.Wait()

	if r.Count() != 20 {
		t.Fatalf("expected 20 sessions, got %d", r.Count())
	}
	for _, s := range r.List() {
		if s.Enrollment == nil || s.Enrollment.CurrentFormIndex != 1 {
			t.Fatalf("session %s: unexpected enrollment %+v", s.ID, s.Enrollment)
		}
		if len(s.Participants) != 1 {
			t.Fatalf("session %s: expected 1 participant, got %d", s.ID, len(s.Participants))
		}
	}
}

func TestNextSequence(t *testing.T) {
	r := newTestRegistry(t)
	if seq := r.NextSequence("missing"); seq != 0 {
		t.Fatalf("expected 0 for unknown session, got %d", seq)
	}
	r.Join("s1", Participant{ID: "pc-1", Role: RoleTellerPC})
	for want := uint64(1); want <= 3; want++ {
		if got := r.NextSequence("s1"); got != want {
			t.Fatalf("expected sequence %d, got %d", want, got)
		}
	}
}

func TestReapEvictsIdleSessions(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := newTestRegistry(t, WithClock(clock))
	r.idleTTL = time.Minute

	r.Join("busy", Participant{ID: "pc-1", Role: RoleTellerPC})
	r.Join("idle", Participant{ID: "pc-2", Role: RoleTellerPC})
	r.StartEnrollment("idle", enrollment.Product{ID: "P1"}, nil)
	r.Leave("idle", "pc-2")

	now = now.Add(30 * time.Second)
	if n := r.reap(); n != 0 {
		t.Fatalf("expected nothing evicted before TTL, got %d", n)
	}

	now = now.Add(time.Minute)
	if n := r.reap(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := r.Snapshot("idle"); ok {
		t.Fatal("expected idle session to be evicted")
	}
	if _, ok := r.Snapshot("busy"); !ok {
		t.Fatal("expected busy session to be kept")
	}
	if _, ok := r.Enrollment("idle"); ok {
		t.Fatal("expected enrollment to be gone with the session")
	}
}

func TestRejoinBeforeTTLKeepsEnrollment(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, WithClock(func() time.Time { return now }))
	r.idleTTL = time.Minute

	r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet})
	r.StartEnrollment("s1", enrollment.Product{ID: "P1"}, nil)
	r.AdvanceForm("s1", enrollment.Next)
	r.Leave("s1", "tab-1")

	now = now.Add(45 * time.Second)
	r.Join("s1", Participant{ID: "tab-1", Role: RoleCustomerTablet})
	now = now.Add(time.Hour)
	r.reap()

	st, ok := r.Enrollment("s1")
	if !ok || st.CurrentFormIndex != 1 {
		t.Fatalf("expected enrollment kept at index 1, got %+v ok=%v", st, ok)
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"teller-pc":       RoleTellerPC,
		"employee":        RoleTellerPC,
		"customer-tablet": RoleCustomerTablet,
		"Tablet":          RoleCustomerTablet,
		"":                RoleObserver,
		"supervisor":      RoleObserver,
	}
	for in, want := range cases {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %q, want %q", in, got, want)
		}
	}
}
