package ckan

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		authz     bool
		connError bool
	}{
		{"not found", &Error{Kind: KindNotFound, Action: "package_show"}, true, false, false},
		{"authorization", &Error{Kind: KindAuthorization, Action: "organization_create"}, false, true, false},
		{"connectivity", &Error{Kind: KindConnectivity, Action: "site_read"}, false, false, true},
		{"validation", &Error{Kind: KindValidation, Action: "package_create"}, false, false, false},
		{"generic", &Error{Kind: KindAPI, Action: "site_read"}, false, false, false},
		{"plain error", errors.New("boom"), false, false, false},
		{"nil", nil, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, expected %v", got, tt.notFound)
			}
			if got := IsAuthorization(tt.err); got != tt.authz {
				t.Errorf("IsAuthorization = %v, expected %v", got, tt.authz)
			}
			if got := IsConnectivity(tt.err); got != tt.connError {
				t.Errorf("IsConnectivity = %v, expected %v", got, tt.connError)
			}
		})
	}
}

func TestErrorPredicatesSeeThroughWrapping(t *testing.T) {
	inner := &Error{Kind: KindNotFound, Action: "organization_show", Message: "not here"}
	wrapped := fmt.Errorf("checking organization: %w", inner)
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should unwrap through fmt.Errorf")
	}
	if IsAuthorization(wrapped) {
		t.Error("a wrapped not-found error is not an authorization error")
	}
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("KindOf = %v, expected %v", KindOf(wrapped), KindNotFound)
	}
}

func TestErrorMessageIncludesValidationDetail(t *testing.T) {
	err := &Error{
		Kind:       KindValidation,
		Action:     "package_create",
		Message:    "Validation Error",
		Validation: map[string]interface{}{"name": []interface{}{"URL is already in use."}},
	}
	msg := err.Error()
	if !strings.Contains(msg, "package_create") {
		t.Errorf("message %q does not mention the action", msg)
	}
	if !strings.Contains(msg, "name") {
		t.Errorf("message %q does not include the field detail", msg)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Kind: KindConnectivity, Action: "site_read", Message: "down", cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
}
