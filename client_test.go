package amqp

import (
	"testing"
	"time"
)

func TestLinkOptions(t *testing.T) {
	tests := []struct {
		label string
		role  role
		opts  []LinkOption

		wantSourceAddr string
		wantTargetAddr string
		wantCredit     uint32
	}{
		{
			label: "no options",
			role:  roleReceiver,
		},
		{
			label:          "receiver source address and credit",
			role:           roleReceiver,
			opts:           []LinkOption{LinkSourceAddress("/orders"), LinkCredit(64)},
			wantSourceAddr: "/orders",
			wantCredit:     64,
		},
		{
			label:          "sender target address",
			role:           roleSender,
			opts:           []LinkOption{LinkTargetAddress("/orders")},
			wantTargetAddr: "/orders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			l := newLink(nil, tt.role)
			for _, opt := range tt.opts {
				if err := opt(l); err != nil {
					t.Fatal(err)
				}
			}

			if l.sourceAddr != tt.wantSourceAddr {
				t.Errorf("source address = %q, want %q", l.sourceAddr, tt.wantSourceAddr)
			}
			if l.targetAddr != tt.wantTargetAddr {
				t.Errorf("target address = %q, want %q", l.targetAddr, tt.wantTargetAddr)
			}
			if tt.wantCredit != 0 && l.linkCredit != tt.wantCredit {
				t.Errorf("link credit = %d, want %d", l.linkCredit, tt.wantCredit)
			}
		})
	}
}

func TestLinkSettleModeOptions(t *testing.T) {
	l := newLink(nil, roleSender)

	if err := LinkSenderSettle(ModeSettled)(l); err != nil {
		t.Fatal(err)
	}
	if l.senderSettleMode == nil || *l.senderSettleMode != ModeSettled {
		t.Errorf("sender settle mode not applied: %v", l.senderSettleMode)
	}

	if err := LinkReceiverSettle(ModeSecond)(l); err != nil {
		t.Fatal(err)
	}
	if l.receiverSettleMode == nil || *l.receiverSettleMode != ModeSecond {
		t.Errorf("receiver settle mode not applied: %v", l.receiverSettleMode)
	}
}

func TestReattachPolicyBackoffSeries(t *testing.T) {
	tests := []struct {
		label    string
		policy   ReattachPolicy
		n        int
		wantMult []int64 // delay as a multiple of BaseDelay
	}{
		{
			label:    "none repeats BaseDelay",
			policy:   ReattachPolicy{Strategy: ReattachNone, BaseDelay: 1},
			n:        3,
			wantMult: []int64{1, 1, 1},
		},
		{
			label:    "fibonacci",
			policy:   ReattachPolicy{Strategy: ReattachFibonacci, BaseDelay: 1},
			n:        5,
			wantMult: []int64{1, 1, 2, 3, 5},
		},
		{
			label:    "exponential",
			policy:   ReattachPolicy{Strategy: ReattachExponential, BaseDelay: 1},
			n:        4,
			wantMult: []int64{1, 2, 4, 8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got := tt.policy.backoffSeries(tt.n)
			if len(got) != len(tt.wantMult) {
				t.Fatalf("got %d delays, want %d", len(got), len(tt.wantMult))
			}
			for i, want := range tt.wantMult {
				if got[i] != tt.policy.BaseDelay*time.Duration(want) {
					t.Errorf("delay[%d] = %v, want %dx BaseDelay", i, got[i], want)
				}
			}
		})
	}
}
