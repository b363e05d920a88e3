package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "user-1", TenantID: "tenant-1"},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			rc:      &RequestContext{TenantID: "tenant-1"},
			wantErr: true,
		},
		{
			name:    "missing TenantID",
			rc:      &RequestContext{SubjectID: "user-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"publisher", "creator"}}
	if !rc.HasRole("publisher") {
		t.Error("HasRole(publisher) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestTenantFrom(t *testing.T) {
	if got := TenantFrom(context.Background()); got != "" {
		t.Errorf("TenantFrom(empty) = %q, want empty", got)
	}

	ctx := WithRequestContext(context.Background(), &RequestContext{TenantID: "carbon.super"})
	if got := TenantFrom(ctx); got != "carbon.super" {
		t.Errorf("TenantFrom() = %q, want carbon.super", got)
	}
}
