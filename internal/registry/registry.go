package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/headunit/internal/protocol"
)

// Registry maps MAC -> logical address -> device record. Every method takes the
// same lock, so two allocations can never hand out one address.
type Registry struct {
	mu       sync.RWMutex
	clk      clock.Clock
	byMAC    map[protocol.MAC]*Device
	byAddr   map[protocol.Address]protocol.MAC
	reserved map[protocol.Address]Reservation
	pinned   map[protocol.MAC]protocol.Address
}

// New creates an empty registry. A nil clock uses wall time.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clk:      clk,
		byMAC:    make(map[protocol.MAC]*Device),
		byAddr:   make(map[protocol.Address]protocol.MAC),
		reserved: make(map[protocol.Address]Reservation),
		pinned:   make(map[protocol.MAC]protocol.Address),
	}
}

// Reserve pins r.MAC to r.Address. Allocation hands a reserved address only to its MAC.
func (r *Registry) Reserve(res Reservation) error {
	if !res.Address.IsDynamic() {
		return fmt.Errorf("%w: reservation %s outside dynamic pool", protocol.ErrInvalidAddress, res.Address)
	}
	if res.MAC.IsZero() {
		return fmt.Errorf("%w: reservation for %s without mac", protocol.ErrInvalidAddress, res.Address)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.reserved[res.Address]; ok && other.MAC != res.MAC {
		return fmt.Errorf("%w: %s reserved for %s", protocol.ErrAddressInUse, res.Address, other.MAC)
	}
	if addr, ok := r.pinned[res.MAC]; ok && addr != res.Address {
		return fmt.Errorf("%w: %s already reserved %s", protocol.ErrAddressInUse, res.MAC, addr)
	}
	if holder, ok := r.byAddr[res.Address]; ok && holder != res.MAC {
		return fmt.Errorf("%w: %s held by %s", protocol.ErrAddressInUse, res.Address, holder)
	}
	r.reserved[res.Address] = res
	r.pinned[res.MAC] = res.Address
	return nil
}

func (r *Registry) Reservations() []Reservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Reservation, 0, len(r.reserved))
	for _, res := range r.reserved {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// observeLocked creates or refreshes the record for id. Unknown and Lost devices
// become Discovered.
func (r *Registry) observeLocked(id Identity, now time.Time) *Device {
	d, ok := r.byMAC[id.MAC]
	if !ok {
		d = &Device{Address: protocol.AddrUnassigned, FirstSeen: now}
		if addr, ok := r.pinned[id.MAC]; ok {
			d.Name = r.reserved[addr].Name
		}
		r.byMAC[id.MAC] = d
	}
	d.Identity = id
	d.LastSeen = now
	if d.State == StateUnknown || d.State == StateLost {
		d.State = StateDiscovered
		d.StateSince = now
	}
	return d
}

// Observe records a discovery answer and returns the resulting record.
func (r *Registry) Observe(id Identity) Device {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.observeLocked(id, now)
}

func (r *Registry) freeForLocked(mac protocol.MAC, addr protocol.Address) bool {
	if holder, ok := r.byAddr[addr]; ok && holder != mac {
		return false
	}
	if res, ok := r.reserved[addr]; ok && res.MAC != mac {
		return false
	}
	return true
}

func (r *Registry) bindLocked(d *Device, addr protocol.Address, state State, now time.Time) {
	if d.Address.IsDynamic() && d.Address != addr {
		delete(r.byAddr, d.Address)
	}
	d.Address = addr
	r.byAddr[addr] = d.MAC
	if d.State != state {
		d.State = state
		d.StateSince = now
	}
}

// Allocate records id and gives it an address: the one it already holds, its
// reservation, or the lowest free address of the dynamic pool. The device moves
// to Assigning. A full pool fails with ErrAddressSpaceExhausted.
func (r *Registry) Allocate(id Identity) (Device, error) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.observeLocked(id, now)
	addr := protocol.AddrUnassigned
	switch {
	case d.Address.IsDynamic():
		addr = d.Address
	case r.pinned[id.MAC] != 0:
		addr = r.pinned[id.MAC]
		if !r.freeForLocked(id.MAC, addr) {
			return *d, fmt.Errorf("%w: reserved %s held by %s", protocol.ErrAddressInUse, addr, r.byAddr[addr])
		}
	default:
		for a := int(protocol.DynamicMin); a <= int(protocol.DynamicMax); a++ {
			if r.freeForLocked(id.MAC, protocol.Address(a)) {
				addr = protocol.Address(a)
				break
			}
		}
		if addr == protocol.AddrUnassigned {
			return *d, fmt.Errorf("%w: %d addresses in use", protocol.ErrAddressSpaceExhausted, len(r.byAddr))
		}
	}
	r.bindLocked(d, addr, StateAssigning, now)
	return *d, nil
}

// Claim binds addr, reported by the node itself as its current id, to id.MAC.
// It fails with ErrAddressInUse when another MAC holds or reserved addr.
func (r *Registry) Claim(id Identity, addr protocol.Address, state State) (Device, error) {
	if !addr.IsDynamic() {
		return Device{}, fmt.Errorf("%w: claim of %s", protocol.ErrInvalidAddress, addr)
	}
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.observeLocked(id, now)
	if !r.freeForLocked(id.MAC, addr) {
		return *d, fmt.Errorf("%w: %s", protocol.ErrAddressInUse, addr)
	}
	r.bindLocked(d, addr, state, now)
	return *d, nil
}

// Release frees addr and marks its device Lost.
func (r *Registry) Release(addr protocol.Address) (Device, bool) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	mac, ok := r.byAddr[addr]
	if !ok {
		return Device{}, false
	}
	delete(r.byAddr, addr)
	d := r.byMAC[mac]
	d.Address = protocol.AddrUnassigned
	d.State = StateLost
	d.StateSince = now
	return *d, true
}

// SetState moves the device with mac to state. Moving to Lost releases its address.
func (r *Registry) SetState(mac protocol.MAC, state State) (Device, error) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byMAC[mac]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", protocol.ErrUnknownDevice, mac)
	}
	if state == StateLost && d.Address.IsDynamic() {
		delete(r.byAddr, d.Address)
		d.Address = protocol.AddrUnassigned
	}
	if d.State != state {
		d.State = state
		d.StateSince = now
	}
	return *d, nil
}

// Touch refreshes LastSeen of the device holding addr.
func (r *Registry) Touch(addr protocol.Address) (Device, bool) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	mac, ok := r.byAddr[addr]
	if !ok {
		return Device{}, false
	}
	d := r.byMAC[mac]
	d.LastSeen = now
	return *d, true
}

func (r *Registry) Lookup(mac protocol.MAC) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byMAC[mac]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

func (r *Registry) LookupAddress(addr protocol.Address) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mac, ok := r.byAddr[addr]
	if !ok {
		return Device{}, false
	}
	return *r.byMAC[mac], true
}

// Expired lists devices in state whose reference time is older than maxAge:
// LastSeen for Active devices, StateSince otherwise.
func (r *Registry) Expired(state State, maxAge time.Duration) []Device {
	cutoff := r.clk.Now().Add(-maxAge)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Device
	for _, d := range r.byMAC {
		if d.State != state {
			continue
		}
		ref := d.StateSince
		if state == StateActive {
			ref = d.LastSeen
		}
		if !ref.After(cutoff) {
			out = append(out, *d)
		}
	}
	sortDevices(out)
	return out
}

// List returns every record, addressed devices first in address order.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byMAC))
	for _, d := range r.byMAC {
		out = append(out, *d)
	}
	sortDevices(out)
	return out
}

// Counts returns the number of devices per state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[State]int, len(stateNames))
	for _, d := range r.byMAC {
		out[d.State]++
	}
	return out
}

// Free is the number of pool addresses neither held nor reserved.
func (r *Registry) Free() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	used := len(r.byAddr)
	for addr := range r.reserved {
		if _, held := r.byAddr[addr]; !held {
			used++
		}
	}
	return protocol.DynamicPoolSize - used
}

func sortDevices(list []Device) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Address != list[j].Address {
			return list[i].Address < list[j].Address
		}
		return list[i].MAC.String() < list[j].MAC.String()
	})
}
