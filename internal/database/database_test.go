package database

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shellbox-dev/shellbox/internal/config"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&Setting{}, &User{}, &SessionRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	DB = db
}

func TestSettingRoundTrip(t *testing.T) {
	setupTestDB(t)

	if err := SetSetting("sandbox_image", "example/sandbox:v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := GetSetting("sandbox_image")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "example/sandbox:v1" {
		t.Errorf("got %q, want example/sandbox:v1", got)
	}

	if err := SetSetting("sandbox_image", "example/sandbox:v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = GetSetting("sandbox_image")
	if got != "example/sandbox:v2" {
		t.Errorf("after overwrite got %q, want example/sandbox:v2", got)
	}
}

func TestGetSettingMissing(t *testing.T) {
	setupTestDB(t)

	got, err := GetSetting("no_such_key")
	if err != nil {
		t.Fatalf("missing key should not error: %v", err)
	}
	if got != "" {
		t.Errorf("got %q, want empty string", got)
	}
}

func TestDeleteSetting(t *testing.T) {
	setupTestDB(t)

	if err := SetSetting("s3_secret_key", "enc:abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := DeleteSetting("s3_secret_key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := GetSetting("s3_secret_key")
	if got != "" {
		t.Errorf("setting survived delete: %q", got)
	}
}

func TestSeedDefaultsDoesNotOverwrite(t *testing.T) {
	setupTestDB(t)
	config.Cfg.SandboxImage = "seed/image:latest"
	config.Cfg.StorageBackend = "s3fs"

	if err := seedDefaults(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, _ := GetSetting("sandbox_image")
	if got != "seed/image:latest" {
		t.Errorf("seeded value = %q, want seed/image:latest", got)
	}

	// A later boot with a different env value must not clobber an
	// existing row.
	if err := SetSetting("sandbox_image", "edited/image:v9"); err != nil {
		t.Fatalf("set: %v", err)
	}
	config.Cfg.SandboxImage = "other/image:latest"
	if err := seedDefaults(); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	got, _ = GetSetting("sandbox_image")
	if got != "edited/image:v9" {
		t.Errorf("reseed overwrote edited value, got %q", got)
	}
}

func TestUserPasswordHashNotSerialized(t *testing.T) {
	u := User{Username: "alice", PasswordHash: "bcrypt$secret", IsAdmin: true}
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("password hash leaked into JSON: %s", data)
	}
	if strings.Contains(string(data), "password_hash") {
		t.Errorf("password_hash field present in JSON: %s", data)
	}
}

func TestGetFirstAdmin(t *testing.T) {
	setupTestDB(t)

	if err := CreateUser(&User{Username: "bob", PasswordHash: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := CreateUser(&User{Username: "carol", PasswordHash: "x", IsAdmin: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := CreateUser(&User{Username: "dave", PasswordHash: "x", IsAdmin: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	admin, err := GetFirstAdmin()
	if err != nil {
		t.Fatalf("first admin: %v", err)
	}
	if admin.Username != "carol" {
		t.Errorf("got %q, want carol (oldest admin)", admin.Username)
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	setupTestDB(t)

	if err := CreateUser(&User{Username: "alice", PasswordHash: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := CreateUser(&User{Username: "alice", PasswordHash: "y"}); err == nil {
		t.Error("duplicate username accepted")
	}
}

func TestSessionRecordLifecycle(t *testing.T) {
	setupTestDB(t)

	rec := &SessionRecord{
		SessionID:   "sess-1",
		SandboxName: "shellbox-sess-1",
		Backend:     "docker",
		RemoteAddr:  "10.0.0.5",
	}
	if err := CreateSessionRecord(rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != SessionStatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.StartedAt.IsZero() {
		t.Error("started_at not set")
	}

	code := 137
	if err := FinalizeSessionRecord("sess-1", &code, ExitReasonIdle); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := GetSessionRecord("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != SessionStatusEnded {
		t.Errorf("status = %q, want ended", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 137 {
		t.Errorf("exit code = %v, want 137", got.ExitCode)
	}
	if got.ExitReason != ExitReasonIdle {
		t.Errorf("exit reason = %q, want %q", got.ExitReason, ExitReasonIdle)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not set")
	}
}

func TestFinalizeSessionRecordFirstWins(t *testing.T) {
	setupTestDB(t)

	if err := CreateSessionRecord(&SessionRecord{SessionID: "sess-2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	code := 0
	if err := FinalizeSessionRecord("sess-2", &code, ExitReasonExited); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := FinalizeSessionRecord("sess-2", nil, ExitReasonTerminated); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	got, _ := GetSessionRecord("sess-2")
	if got.ExitReason != ExitReasonExited {
		t.Errorf("exit reason = %q, first finalization should win", got.ExitReason)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.ExitCode)
	}
}

func TestCloseStaleSessionRecords(t *testing.T) {
	setupTestDB(t)

	if err := CreateSessionRecord(&SessionRecord{SessionID: "stale-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := CreateSessionRecord(&SessionRecord{SessionID: "stale-2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	code := 1
	if err := FinalizeSessionRecord("stale-2", &code, ExitReasonError); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	n, err := CloseStaleSessionRecords()
	if err != nil {
		t.Fatalf("close stale: %v", err)
	}
	if n != 1 {
		t.Errorf("closed %d records, want 1", n)
	}
	got, _ := GetSessionRecord("stale-1")
	if got.ExitReason != ExitReasonRestart {
		t.Errorf("exit reason = %q, want %q", got.ExitReason, ExitReasonRestart)
	}
	// The already-ended record keeps its original reason.
	got, _ = GetSessionRecord("stale-2")
	if got.ExitReason != ExitReasonError {
		t.Errorf("ended record rewritten: %q", got.ExitReason)
	}
}

func TestPurgeSessionRecords(t *testing.T) {
	setupTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	rec := &SessionRecord{SessionID: "old-1", Status: SessionStatusEnded, StartedAt: old, EndedAt: &old}
	if err := DB.Create(rec).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := CreateSessionRecord(&SessionRecord{SessionID: "live-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	recent := time.Now().Add(-time.Hour)
	rec2 := &SessionRecord{SessionID: "recent-1", Status: SessionStatusEnded, StartedAt: recent, EndedAt: &recent}
	if err := DB.Create(rec2).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := PurgeSessionRecords(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := GetSessionRecord("old-1"); err == nil {
		t.Error("old ended record survived purge")
	}
	if _, err := GetSessionRecord("live-1"); err != nil {
		t.Error("active record was purged")
	}
	if _, err := GetSessionRecord("recent-1"); err != nil {
		t.Error("recent ended record was purged")
	}
}

func TestListSessionRecordsOrderAndLimit(t *testing.T) {
	setupTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		rec := &SessionRecord{SessionID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := CreateSessionRecord(rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	recs, err := ListSessionRecords(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].SessionID != "c" || recs[1].SessionID != "b" {
		t.Errorf("order = %s,%s, want c,b (newest first)", recs[0].SessionID, recs[1].SessionID)
	}
}
