package domain

import (
	"fmt"
	"strconv"
)

// CallState is the lifecycle state of the single call a session may hold.
type CallState int

const (
	StateIdle CallState = iota
	StateConnecting
	StateRinging
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateDisconnected
)

var callStateNames = [...]string{
	StateIdle:          "Idle",
	StateConnecting:    "Connecting",
	StateRinging:       "Ringing",
	StateConnected:     "Connected",
	StateReconnecting:  "Reconnecting",
	StateDisconnecting: "Disconnecting",
	StateDisconnected:  "Disconnected",
}

func (s CallState) String() string {
	if s < 0 || int(s) >= len(callStateNames) {
		return "CallState(" + strconv.Itoa(int(s)) + ")"
	}
	return callStateNames[s]
}

// ParseCallState is the inverse of String.
func ParseCallState(name string) (CallState, error) {
	for i, n := range callStateNames {
		if n == name {
			return CallState(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown call state %q", name)
}

func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CallState) UnmarshalText(b []byte) error {
	v, err := ParseCallState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsRest reports whether no call is held. Idle and Disconnected are
// interchangeable rest states.
func (s CallState) IsRest() bool {
	return s == StateIdle || s == StateDisconnected
}

// IsEstablished reports whether the call got past setup.
func (s CallState) IsEstablished() bool {
	return s == StateConnected || s == StateReconnecting || s == StateDisconnecting
}

// IsOutboundSetup reports whether an outbound attempt is still in flight.
func (s CallState) IsOutboundSetup() bool {
	return s == StateConnecting || s == StateRinging
}

var allowedTransitions = map[CallState][]CallState{
	StateIdle:          {StateConnecting},
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateRinging, StateConnected, StateDisconnected},
	StateRinging:       {StateConnected, StateDisconnected},
	StateConnected:     {StateReconnecting, StateDisconnecting, StateDisconnected},
	StateReconnecting:  {StateConnected, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge. Self
// transitions are not edges.
func CanTransition(from, to CallState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CallKind tells how a call was established.
type CallKind string

const (
	CallKindRoom    CallKind = "room"
	CallKindDirect  CallKind = "direct"
	CallKindInbound CallKind = "inbound"
)

// EndReason is the platform supplied cause of a disconnect.
type EndReason struct {
	Code    int `json:"code"`
	SubCode int `json:"subCode"`
}

// Message renders the user facing text for an abnormal end. A zero code is
// a normal hang-up and yields "".
func (r EndReason) Message() string {
	if r.Code == 0 {
		return ""
	}
	sub := "Unknown reason"
	if r.SubCode != 0 {
		sub = strconv.Itoa(r.SubCode)
	}
	return fmt.Sprintf("Call ended: %d - %s", r.Code, sub)
}
