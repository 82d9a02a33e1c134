package models

import (
	"testing"
)

func TestSyncJobStatus_Constants(t *testing.T) {
	tests := []struct {
		name     string
		status   SyncJobStatus
		expected string
	}{
		{"queued", JobStatusQueued, "queued"},
		{"running", JobStatusRunning, "running"},
		{"completed", JobStatusCompleted, "completed"},
		{"failed", JobStatusFailed, "failed"},
		{"canceled", JobStatusCanceled, "canceled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.status) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.status)
			}
		})
	}
}

func TestSyncJobStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   SyncJobStatus
		terminal bool
		active   bool
	}{
		{JobStatusQueued, false, true},
		{JobStatusRunning, false, true},
		{JobStatusCompleted, true, false},
		{JobStatusFailed, true, false},
		{JobStatusCanceled, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.IsActive(); got != tt.active {
				t.Errorf("IsActive() = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestCheckpoint_Advance(t *testing.T) {
	cp := NewCheckpoint("run-1", 100)

	next := cp.Advance("page-2", "people/c42")
	if next.NextPageToken == nil || *next.NextPageToken != "page-2" {
		t.Fatalf("Expected next page token page-2, got %v", next.NextPageToken)
	}
	if next.LastExternalID == nil || *next.LastExternalID != "people/c42" {
		t.Fatalf("Expected last external id people/c42, got %v", next.LastExternalID)
	}
	if next.RunID != "run-1" || next.PageSize != 100 || next.Version != CheckpointVersion {
		t.Errorf("Expected run_id, page_size and version to carry over, got %+v", next)
	}
	if cp.NextPageToken != nil {
		t.Error("Expected original checkpoint to be unchanged")
	}

	last := next.Advance("", "")
	if last.NextPageToken != nil {
		t.Errorf("Expected nil next page token on last page, got %s", *last.NextPageToken)
	}
	if last.LastExternalID == nil || *last.LastExternalID != "people/c42" {
		t.Error("Expected empty page to keep the previous last external id")
	}
}

func TestCheckpoint_Validate(t *testing.T) {
	if err := NewCheckpoint("run-1", 50).Validate(); err != nil {
		t.Fatalf("expected valid checkpoint, got %v", err)
	}

	future := Checkpoint{Version: 2, RunID: "run-1"}
	if err := future.Validate(); err == nil {
		t.Fatal("expected error for unknown checkpoint version")
	}

	if err := (Checkpoint{Version: CheckpointVersion}).Validate(); err == nil {
		t.Fatal("expected error for missing run_id")
	}
}

func TestCheckpoint_ScanFromDriver(t *testing.T) {
	raw := []byte(`{"version":1,"next_page_token":"tok","page_size":25,"run_id":"r","last_external_id":null}`)

	var cp Checkpoint
	if err := cp.Scan(raw); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if cp.NextPageToken == nil || *cp.NextPageToken != "tok" {
		t.Errorf("Expected next page token tok, got %v", cp.NextPageToken)
	}
	if cp.LastExternalID != nil {
		t.Errorf("Expected nil last external id, got %v", *cp.LastExternalID)
	}
	if err := cp.Scan(42); err == nil {
		t.Error("Expected error scanning a non-bytes value")
	}
}
