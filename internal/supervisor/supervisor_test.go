package supervisor_test

import (
	"context"
	"testing"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/supervisor"
)

func testConfig() *config.Config {
	server := config.ServerConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "postgres",
		User:         "postgres",
		SSLMode:      "disable",
		PoolMaxConns: 4,
		PoolMinConns: 0,
	}
	return &config.Config{ServerA: server, ServerB: server}
}

func TestSupervisor_StatsOrderAndZeroState(t *testing.T) {
	sup := supervisor.New(testConfig(), false)

	stats := sup.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() returned %d entries, want 2", len(stats))
	}
	if stats[0].Server != supervisor.ServerA || stats[1].Server != supervisor.ServerB {
		t.Errorf("Stats() order = %v, %v", stats[0].Server, stats[1].Server)
	}
	for _, st := range stats {
		if st.Connected {
			t.Errorf("Stats() %s connected before first acquire", st.Server)
		}
		if st.Acquires != 0 || st.Releases != 0 {
			t.Errorf("Stats() %s counters non-zero: %+v", st.Server, st)
		}
	}
}

func TestSupervisor_AcquireUnknownServer(t *testing.T) {
	sup := supervisor.New(testConfig(), false)

	_, err := sup.Acquire(context.Background(), supervisor.ServerKey("server_c"))
	if err == nil {
		t.Fatal("Acquire() error = nil, want error for unknown server")
	}
	if kind := models.KindOf(err); kind != models.KindConnectionFatal {
		t.Errorf("Acquire() kind = %v, want %v", kind, models.KindConnectionFatal)
	}
}

func TestSupervisor_ReleaseNil(t *testing.T) {
	sup := supervisor.New(testConfig(), false)
	sup.Release(nil) // must not panic
}

func TestSupervisor_DiagnoseUnknownServer(t *testing.T) {
	sup := supervisor.New(testConfig(), false)

	diag := sup.Diagnose(context.Background(), supervisor.ServerKey("bogus"))
	if diag.OK {
		t.Error("Diagnose() OK = true for unknown server")
	}
	if diag.Detail == "" {
		t.Error("Diagnose() Detail empty, want failure detail")
	}
}
