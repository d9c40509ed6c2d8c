package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{InvalidInput("bad"), http.StatusBadRequest},
		{NotFound("missing"), http.StatusNotFound},
		{InvalidReference("dangling"), http.StatusNotFound},
		{PreconditionFailed("id", "ISSUED", "start", "gate"), http.StatusUnprocessableEntity},
		{InvalidTransition("id", "COMPLETED", "start"), http.StatusConflict},
		{AlreadyTerminal("id", "REACTION", "end"), http.StatusConflict},
		{Conflict("dup"), http.StatusConflict},
	}
	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.err.Code, got, tt.status)
		}
	}
}

func TestErrorCarriesClinicalContext(t *testing.T) {
	err := InvalidTransition("issue-1", "TRANSFUSING", "returnUnit")
	if err.EntityID != "issue-1" || err.CurrentState != "TRANSFUSING" || err.Attempted != "returnUnit" {
		t.Errorf("context lost: %+v", err)
	}
	msg := err.Error()
	for _, want := range []string{"issue-1", "TRANSFUSING", "returnUnit"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	base := AlreadyTerminal("id", "RETURNED", "vitals")
	wrapped := fmt.Errorf("record vitals: %w", base)

	var pe *Error
	if !errors.As(wrapped, &pe) {
		t.Fatal("errors.As failed through wrapping")
	}
	if pe.Code != CodeAlreadyTerminal {
		t.Errorf("code = %s", pe.Code)
	}
}
