package issue

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{"issued to verified", StateIssued, StateBedsideVerified, true},
		{"issued to returned", StateIssued, StateReturned, true},
		{"issued to transfusing", StateIssued, StateTransfusing, false},
		{"issued to completed", StateIssued, StateCompleted, false},
		{"issued to reaction", StateIssued, StateReaction, false},
		{"verified to transfusing", StateBedsideVerified, StateTransfusing, true},
		{"verified to reaction", StateBedsideVerified, StateReaction, true},
		{"verified to returned", StateBedsideVerified, StateReturned, true},
		{"verified to completed", StateBedsideVerified, StateCompleted, false},
		{"transfusing to completed", StateTransfusing, StateCompleted, true},
		{"transfusing to reaction", StateTransfusing, StateReaction, true},
		{"transfusing to returned", StateTransfusing, StateReturned, false},
		{"transfusing to verified", StateTransfusing, StateBedsideVerified, false},
		{"completed to returned", StateCompleted, StateReturned, true},
		{"completed to transfusing", StateCompleted, StateTransfusing, false},
		{"reaction has no exits", StateReaction, StateReturned, false},
		{"returned has no exits", StateReturned, StateIssued, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateIssued:          false,
		StateBedsideVerified: false,
		StateTransfusing:     false,
		StateCompleted:       false,
		StateReaction:        true,
		StateReturned:        true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestStateValid(t *testing.T) {
	for _, s := range []State{StateIssued, StateBedsideVerified, StateTransfusing, StateCompleted, StateReaction, StateReturned} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("SHIPPED").Valid() {
		t.Error("unknown state should not be valid")
	}
}
