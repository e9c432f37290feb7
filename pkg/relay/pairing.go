// Copyright 2024-2026 Aiku AI

package relay

import "fmt"

// PairedRoom is one side of a room pairing.
type PairedRoom struct {
	Service  string            `yaml:"service"`
	ServerID string            `yaml:"server_id"`
	RoomID   string            `yaml:"room_id"`
	Params   map[string]string `yaml:"params"`
}

// Param returns an adapter-specific delivery parameter.
func (pr PairedRoom) Param(key string) string {
	return pr.Params[key]
}

// RoomPairing links a room on one service to a room on another.
type RoomPairing struct {
	A PairedRoom `yaml:"a"`
	B PairedRoom `yaml:"b"`
}

// Validate checks that both sides are set and on different services.
func (rp RoomPairing) Validate() error {
	if rp.A.Service == "" || rp.A.RoomID == "" || rp.B.Service == "" || rp.B.RoomID == "" {
		return fmt.Errorf("pairing needs a service and room_id on both sides")
	}
	if rp.A.Service == rp.B.Service {
		return fmt.Errorf("pairing links two %s rooms", rp.A.Service)
	}
	return nil
}

// Pairings is the ordered, read-only list of configured room pairings.
type Pairings []RoomPairing

// Lookup finds the first pairing containing the given room and returns the
// room's own side and the opposite side.
func (p Pairings) Lookup(service, roomID string) (local, remote PairedRoom, ok bool) {
	for _, pairing := range p {
		switch {
		case pairing.A.Service == service && pairing.A.RoomID == roomID:
			return pairing.A, pairing.B, true
		case pairing.B.Service == service && pairing.B.RoomID == roomID:
			return pairing.B, pairing.A, true
		}
	}
	return PairedRoom{}, PairedRoom{}, false
}

// RoomsFor returns every paired room on service, in configuration order.
func (p Pairings) RoomsFor(service string) []PairedRoom {
	var rooms []PairedRoom
	for _, pairing := range p {
		if pairing.A.Service == service {
			rooms = append(rooms, pairing.A)
		}
		if pairing.B.Service == service {
			rooms = append(rooms, pairing.B)
		}
	}
	return rooms
}

// IsBridged reports whether a room on service appears in any pairing.
func (p Pairings) IsBridged(service, roomID string) bool {
	_, _, ok := p.Lookup(service, roomID)
	return ok
}
