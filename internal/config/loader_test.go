package config

import "testing"

func TestParseAppliesDefaults(t *testing.T) {
	raw := []byte(`{
		"hostname": "host1",
		"control_server_secret": "s3cr3t",
		"destinations": [
			{"path": "/srv/a", "destination": "user@remote1", "destination_path": "/backup/a", "event_queue_limit": 10}
		]
	}`)
	cfg, err := Parse(raw, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MaxStats != DefaultMaxStats {
		t.Fatalf("MaxStats = %d, want %d", cfg.MaxStats, DefaultMaxStats)
	}
	d := cfg.Destinations[0]
	if d.SSHPort != DefaultSSHPort {
		t.Fatalf("SSHPort = %d, want %d", d.SSHPort, DefaultSSHPort)
	}
	if d.SSHUser != DefaultSSHUser {
		t.Fatalf("SSHUser = %q, want %q", d.SSHUser, DefaultSSHUser)
	}
	if !d.IsEnabled() {
		t.Fatalf("destination should default to enabled")
	}
	hasOpen, hasCloseWrite := false, false
	for _, e := range d.Events {
		if e == "IN_OPEN" {
			hasOpen = true
		}
		if e == "IN_CLOSE_WRITE" {
			hasCloseWrite = true
		}
	}
	if !hasOpen || !hasCloseWrite {
		t.Fatalf("IN_OPEN and IN_CLOSE_WRITE must be forced into events, got %v", d.Events)
	}
	if d.RemoteHostname != "remote1" {
		t.Fatalf("RemoteHostname = %q, want remote1", d.RemoteHostname)
	}
}

func TestParseRejectsEmptyDestinations(t *testing.T) {
	raw := []byte(`{"hostname": "host1", "control_server_secret": "s", "destinations": []}`)
	if _, err := Parse(raw, nil); err == nil {
		t.Fatal("expected error for empty destinations")
	}
}

func TestParseDisablesInvalidDestinationLeniently(t *testing.T) {
	raw := []byte(`{
		"hostname": "host1",
		"control_server_secret": "s3cr3t",
		"destinations": [
			{"path": "/srv/a", "destination": "user@remote1", "destination_path": "/backup/a", "event_queue_limit": 10},
			{"path": "", "destination": "user@remote2", "destination_path": "/backup/b", "event_queue_limit": 5}
		]
	}`)
	cfg, err := Parse(raw, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Destinations[0].IsEnabled() != true {
		t.Fatal("first destination should remain enabled")
	}
	if cfg.Destinations[1].IsEnabled() {
		t.Fatal("second destination should be disabled due to missing path")
	}
}

func TestValidateHostnameMismatch(t *testing.T) {
	cfg := &Configuration{Hostname: "configured-host"}
	if err := ValidateHostname(cfg, "actual-host"); err == nil {
		t.Fatal("expected hostname mismatch error")
	}
	if err := ValidateHostname(cfg, "configured-host"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
}

func TestDestinationRecordStatBounded(t *testing.T) {
	d := &Destination{}
	d.SetMaxStats(2)
	d.RecordStat(StatEntry{LogType: "a"})
	d.RecordStat(StatEntry{LogType: "b"})
	d.RecordStat(StatEntry{LogType: "c"})
	stats := d.SnapshotStatistics()
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	if stats[0].LogType != "b" || stats[1].LogType != "c" {
		t.Fatalf("expected oldest entry dropped, got %+v", stats)
	}
}
