// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

package validation

import (
	"errors"
	"strings"
	"testing"
)

type sampleRequest struct {
	URL   string `validate:"required,url"`
	Limit int    `validate:"min=1,max=500"`
}

func TestValidateStruct_OK(t *testing.T) {
	req := sampleRequest{URL: "https://example.com", Limit: 20}
	if err := ValidateStruct(&req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateStruct_CollectsAllFields(t *testing.T) {
	req := sampleRequest{URL: "not a url", Limit: 0}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected validation error")
	}

	var se *StructError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StructError, got %T", err)
	}
	if len(se.Fields) != 2 {
		t.Errorf("expected 2 field errors, got %d: %v", len(se.Fields), se)
	}
	if !strings.Contains(se.Error(), "URL") {
		t.Errorf("error message missing field name: %q", se.Error())
	}
}
