package journal

import (
	"testing"
)

func TestJournal_HighWaterSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if hw, _ := j.HighWater(); hw != 0 {
		t.Errorf("Expected empty journal high water 0, got %d", hw)
	}

	if err := j.RecordJoin(1, "server_1"); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordJoin(4, "server_4"); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordLeave(4, "server_4", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordJoin(2, "late"); err != nil {
		t.Fatal(err)
	}
	if hw, _ := j.HighWater(); hw != 4 {
		t.Errorf("Expected high water 4, got %d", hw)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j, err = Open(dir)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer j.Close()

	if hw, _ := j.HighWater(); hw != 4 {
		t.Errorf("Expected high water 4 after reopen, got %d", hw)
	}
}

func TestJournal_Events(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	if err := j.RecordJoin(1, "server_1"); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordLeave(1, "server_1", "heartbeat"); err != nil {
		t.Fatal(err)
	}

	events, err := j.Events(0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindJoin || events[1].Kind != KindLeave {
		t.Errorf("Unexpected event order: %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[1].Reason != "heartbeat" || events[1].Hostname != "server_1" {
		t.Errorf("Unexpected leave event %+v", events[1])
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Error("Expected distinct event ids")
	}

	limited, err := j.Events(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 event with limit, got %d", len(limited))
	}
}
