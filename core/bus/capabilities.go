package bus

import "strings"

// CapabilitySet declares which message types a component may send and receive.
type CapabilitySet struct {
	CanSend    []MessageType `json:"can_send"`
	CanReceive []MessageType `json:"can_receive"`
}

// AllCapabilities grants every message type in both directions.
func AllCapabilities() CapabilitySet {
	return CapabilitySet{CanSend: AllTypes(), CanReceive: AllTypes()}
}

// ParseCapabilities builds a CapabilitySet from wire names. A single "*"
// entry grants every type.
func ParseCapabilities(send, receive []string) (CapabilitySet, error) {
	s, err := parseTypes(send)
	if err != nil {
		return CapabilitySet{}, err
	}
	r, err := parseTypes(receive)
	if err != nil {
		return CapabilitySet{}, err
	}
	return CapabilitySet{CanSend: s, CanReceive: r}, nil
}

func parseTypes(names []string) ([]MessageType, error) {
	out := make([]MessageType, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "*" {
			return AllTypes(), nil
		}
		t, err := ParseMessageType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// typeSet is a bitset over MessageType.
type typeSet uint32

func newTypeSet(types []MessageType) typeSet {
	var s typeSet
	for _, t := range types {
		if t.Valid() {
			s |= 1 << t
		}
	}
	return s
}

func (s typeSet) has(t MessageType) bool {
	return t.Valid() && s&(1<<t) != 0
}

// grants is the compiled form of a CapabilitySet.
type grants struct {
	send    typeSet
	receive typeSet
}

func compile(c CapabilitySet) grants {
	return grants{send: newTypeSet(c.CanSend), receive: newTypeSet(c.CanReceive)}
}
