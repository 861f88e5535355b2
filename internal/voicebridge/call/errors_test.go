package call

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewErrorLiftsSIPStatus(t *testing.T) {
	oe := &OriginateError{Target: "sip:1000@pbx", SIPCode: 486, SIPReason: "Busy Here"}
	err := NewError(TransferFailure, "originate", "call-1", fmt.Errorf("transfer: %w", oe))

	if err.Status != 486 {
		t.Errorf("Status = %d, want 486", err.Status)
	}
	if !IsKind(err, TransferFailure) {
		t.Errorf("IsKind(TransferFailure) = false")
	}
	if IsKind(err, CommandFailure) {
		t.Errorf("IsKind(CommandFailure) = true")
	}
	var got *OriginateError
	if !errors.As(err, &got) || got.SIPReason != "Busy Here" {
		t.Errorf("errors.As did not reach OriginateError")
	}
	want := "transfer_failure: originate (call call-1) status 486: transfer: originate sip:1000@pbx: SIP 486 Busy Here"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNotifyTerminated(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"active;expires=60", false},
		{"terminated;reason=noresource", true},
		{"Terminated", true},
		{"", false},
	}
	for _, tt := range tests {
		n := Notify{SubscriptionState: tt.state}
		if got := n.Terminated(); got != tt.want {
			t.Errorf("Notify{%q}.Terminated() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCauseString(t *testing.T) {
	if CauseWatchdog.String() != "watchdog" {
		t.Errorf("CauseWatchdog.String() = %q", CauseWatchdog.String())
	}
	if TerminationCause(99).String() != "unknown" {
		t.Errorf("unknown cause string = %q", TerminationCause(99).String())
	}
}

func TestNewErrorLiftsResponseStatus(t *testing.T) {
	re := &ResponseError{Method: "REFER", SIPCode: 603, SIPReason: "Decline"}
	err := NewError(TransferFailure, "refer", "call-1", re)
	if err.Status != 603 {
		t.Errorf("Status = %d, want 603", err.Status)
	}
	if re.Error() != "REFER rejected: SIP 603 Decline" {
		t.Errorf("Error() = %q", re.Error())
	}
}
