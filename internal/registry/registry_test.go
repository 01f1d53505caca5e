package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/testutil/testlog"
)

func mac(i int) protocol.MAC {
	return protocol.MAC{0x24, 0x6f, 0x28, 0x00, byte(i >> 8), byte(i)}
}

func ident(i int) Identity {
	return Identity{MAC: mac(i), Type: protocol.DevicePump, HWRevision: 1, FWMajor: 2, FWMinor: 3}
}

func TestAllocateAscendingAndStable(t *testing.T) {
	testlog.Start(t)
	r := New(clock.NewMock())
	a, err := r.Allocate(ident(1))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := r.Allocate(ident(2))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a.Address != 0x10 || b.Address != 0x11 {
		t.Fatalf("addresses got=%s,%s", a.Address, b.Address)
	}
	if a.State != StateAssigning {
		t.Fatalf("state got=%s", a.State)
	}
	again, err := r.Allocate(ident(1))
	if err != nil || again.Address != 0x10 {
		t.Fatalf("re-allocate got=%s err=%v", again.Address, err)
	}
	got, ok := r.LookupAddress(0x11)
	if !ok || got.MAC != mac(2) || got.Type != protocol.DevicePump {
		t.Fatalf("lookup address: ok=%v dev=%+v", ok, got)
	}
}

func TestConcurrentAllocationNeverCollides(t *testing.T) {
	testlog.Start(t)
	r := New(nil)
	const n = 200
	var wg sync.WaitGroup
	results := make([]protocol.Address, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Allocate(ident(i))
			results[i], errs[i] = d.Address, err
		}(i)
	}
	wg.Wait()

	seen := make(map[protocol.Address]int)
	for i, addr := range results {
		if errs[i] != nil {
			t.Fatalf("allocate %d: %v", i, errs[i])
		}
		if !addr.IsDynamic() {
			t.Fatalf("allocation outside pool: %s", addr)
		}
		if prev, dup := seen[addr]; dup {
			t.Fatalf("address %s given to %d and %d", addr, prev, i)
		}
		seen[addr] = i
	}
}

func TestExhaustion(t *testing.T) {
	testlog.Start(t)
	r := New(clock.NewMock())
	for i := 0; i < protocol.DynamicPoolSize; i++ {
		d, err := r.Allocate(ident(i))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if d.Address != protocol.DynamicMin+protocol.Address(i) {
			t.Fatalf("allocate %d got=%s", i, d.Address)
		}
	}
	if r.Free() != 0 {
		t.Fatalf("free got=%d", r.Free())
	}
	d, err := r.Allocate(ident(9999))
	if !errors.Is(err, protocol.ErrAddressSpaceExhausted) {
		t.Fatalf("expected ErrAddressSpaceExhausted, got %v", err)
	}
	if d.State != StateDiscovered || d.HasAddress() {
		t.Fatalf("failed device got=%+v", d)
	}

	if _, ok := r.Release(0x42); !ok {
		t.Fatalf("release failed")
	}
	d, err = r.Allocate(ident(9999))
	if err != nil || d.Address != 0x42 {
		t.Fatalf("reuse got=%s err=%v", d.Address, err)
	}
}

func TestReleaseMarksLostAndFreesAddress(t *testing.T) {
	testlog.Start(t)
	r := New(clock.NewMock())
	_, _ = r.Allocate(ident(1))
	d, ok := r.Release(0x10)
	if !ok || d.State != StateLost || d.HasAddress() {
		t.Fatalf("release got=%+v ok=%v", d, ok)
	}
	if _, ok := r.LookupAddress(0x10); ok {
		t.Fatalf("address still held")
	}
	if _, ok := r.Release(0x10); ok {
		t.Fatalf("double release")
	}
	next, _ := r.Allocate(ident(2))
	if next.Address != 0x10 {
		t.Fatalf("freed address not reused: %s", next.Address)
	}
	// Rediscovery of the lost device moves it back to Discovered.
	back := r.Observe(ident(1))
	if back.State != StateDiscovered {
		t.Fatalf("rediscovered state got=%s", back.State)
	}
}

func TestReservations(t *testing.T) {
	testlog.Start(t)
	r := New(clock.NewMock())
	if err := r.Reserve(Reservation{MAC: mac(7), Address: 0x10, Name: "boiler"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve(Reservation{MAC: mac(8), Address: 0x10}); !errors.Is(err, protocol.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if err := r.Reserve(Reservation{MAC: mac(8), Address: protocol.AddrBroadcast}); !errors.Is(err, protocol.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}

	other, _ := r.Allocate(ident(1))
	if other.Address != 0x11 {
		t.Fatalf("reserved address handed out: %s", other.Address)
	}
	pinned, err := r.Allocate(ident(7))
	if err != nil || pinned.Address != 0x10 || pinned.Name != "boiler" {
		t.Fatalf("pinned got=%+v err=%v", pinned, err)
	}
	if _, err := r.Claim(ident(2), 0x10, StateActive); !errors.Is(err, protocol.ErrAddressInUse) {
		t.Fatalf("claim of reserved address: %v", err)
	}
	if len(r.Reservations()) != 1 {
		t.Fatalf("reservations got=%d", len(r.Reservations()))
	}
}

func TestClaim(t *testing.T) {
	testlog.Start(t)
	r := New(clock.NewMock())
	d, err := r.Claim(ident(1), 0x30, StateActive)
	if err != nil || d.Address != 0x30 || d.State != StateActive {
		t.Fatalf("claim got=%+v err=%v", d, err)
	}
	if _, err := r.Claim(ident(2), 0x30, StateActive); !errors.Is(err, protocol.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	// Lowest free address skips the claimed one only if it is in the way.
	next, _ := r.Allocate(ident(2))
	if next.Address != 0x10 {
		t.Fatalf("allocate got=%s", next.Address)
	}
	if _, err := r.Claim(ident(3), protocol.AddrCoordinator, StateActive); !errors.Is(err, protocol.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestExpiredAndTouch(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	r := New(mock)
	_, _ = r.Allocate(ident(1))
	_, _ = r.Allocate(ident(2))
	_, _ = r.SetState(mac(1), StateActive)
	_, _ = r.SetState(mac(2), StateActive)

	mock.Add(10 * time.Second)
	if _, ok := r.Touch(0x11); !ok {
		t.Fatalf("touch failed")
	}
	mock.Add(5 * time.Second)
	expired := r.Expired(StateActive, 12*time.Second)
	if len(expired) != 1 || expired[0].MAC != mac(1) {
		t.Fatalf("expired got=%+v", expired)
	}
	if len(r.Expired(StateAssigning, time.Second)) != 0 {
		t.Fatalf("no device is assigning")
	}

	lost, err := r.SetState(mac(1), StateLost)
	if err != nil || lost.HasAddress() {
		t.Fatalf("lost got=%+v err=%v", lost, err)
	}
	if _, err := r.SetState(mac(99), StateActive); !errors.Is(err, protocol.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	counts := r.Counts()
	if counts[StateActive] != 1 || counts[StateLost] != 1 {
		t.Fatalf("counts got=%v", counts)
	}
	list := r.List()
	if len(list) != 2 || list[0].Address != 0x11 {
		t.Fatalf("list got=%+v", list)
	}
}

func TestStateText(t *testing.T) {
	for _, st := range []State{StateUnknown, StateDiscovered, StateAssigning, StateActive, StateLost} {
		b, err := st.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", st, err)
		}
		var back State
		if err := back.UnmarshalText(b); err != nil || back != st {
			t.Fatalf("round trip %q: got %v err=%v", b, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Fatalf("expected unknown state error")
	}
}
