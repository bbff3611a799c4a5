package db

import (
	"strings"
	"testing"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		database string
		want     string
	}{
		{
			name:     "default local",
			host:     "127.0.0.1",
			port:     3306,
			database: "signalbox",
			want:     "root@tcp(127.0.0.1:3306)/signalbox?parseTime=true",
		},
		{
			name:     "custom host and port",
			host:     "10.0.0.5",
			port:     3307,
			database: "signalbox_ci",
			want:     "root@tcp(10.0.0.5:3307)/signalbox_ci?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.host, tt.port, tt.database)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN("localhost", 3306, "test")
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestConnectSQLite_EmptyPath(t *testing.T) {
	if _, err := ConnectSQLite(""); err == nil {
		t.Error("ConnectSQLite(\"\") should fail")
	}
}

func TestAutoMigrate_InMemory(t *testing.T) {
	db, err := ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("ConnectSQLite(:memory:): %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	for _, table := range []string{
		"sessions", "task_groups", "task_group_deps", "review_cycles",
		"issues", "merge_attempts", "validator_verdicts", "events", "notices",
	} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %q missing after migration", table)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 9 {
		t.Errorf("AllModels() returned %d models, want 9", got)
	}
}
