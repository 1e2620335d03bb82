/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package chatsdk

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestAPIError_ErrorMessage(t *testing.T) {
	err := &APIError{StatusCode: 404, Status: "404 Not Found", Message: "resource not found"}
	msg := err.Error()
	for _, s := range []string{"404", "resource not found"} {
		if !strings.Contains(msg, s) {
			t.Errorf("Expected error message to contain %q, got %q", s, msg)
		}
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("network timeout")
	err := &APIError{StatusCode: 502, Message: "bad gateway", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Expected APIError to unwrap to inner error")
	}
}

func TestNewAPIError_SubTypes(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, IsAuthError},
		{http.StatusForbidden, IsForbidden},
		{http.StatusNotFound, IsNotFound},
		{http.StatusGone, IsNotFound},
		{http.StatusConflict, IsConflict},
		{http.StatusTooManyRequests, IsRateLimited},
		{http.StatusInternalServerError, IsServerError},
		{http.StatusGatewayTimeout, IsServerError},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			resp := &http.Response{StatusCode: tc.status, Status: http.StatusText(tc.status), Header: http.Header{}}
			err := NewAPIError(resp, []byte(`{"message":"boom"}`))
			if !tc.check(err) {
				t.Errorf("Unexpected sub-type %T", err)
			}
			var ae *APIError
			if !errors.As(err, &ae) {
				t.Fatal("Expected errors.As to match *APIError")
			}
			if ae.Message != "boom" {
				t.Errorf("Expected message 'boom', got %q", ae.Message)
			}
		})
	}
}

func TestNewAPIError_RetryAfter(t *testing.T) {
	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"30"}}}
	err := NewAPIError(resp, nil)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatal("Expected *RateLimitError")
	}
	if rle.RetryAfter != 30*time.Second {
		t.Errorf("Expected RetryAfter 30s, got %v", rle.RetryAfter)
	}
}

func TestNetworkAndConfigurationErrors(t *testing.T) {
	inner := errors.New("connection refused")
	netErr := fmt.Errorf("wrapped: %w", &NetworkError{Op: "GET /x", Err: inner})
	if !IsNetwork(netErr) || !errors.Is(netErr, inner) {
		t.Error("Expected wrapped NetworkError to be detected and unwrap to inner")
	}
	if !IsRetryable(netErr) {
		t.Error("Expected NetworkError to be retryable")
	}

	cfgErr := &ConfigurationError{Field: "CSRFToken", Reason: "missing"}
	if !IsConfiguration(cfgErr) {
		t.Error("Expected IsConfiguration to match")
	}
	if IsRetryable(cfgErr) {
		t.Error("ConfigurationError must not be retryable")
	}
}
