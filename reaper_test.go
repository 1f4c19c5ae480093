package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shellbox-dev/shellbox/internal/config"
	"github.com/shellbox-dev/shellbox/internal/database"
	"github.com/shellbox-dev/shellbox/internal/sandbox"
	"github.com/shellbox-dev/shellbox/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDBMain(t *testing.T) func() {
	t.Helper()
	prevDB := database.DB
	prevCfg := config.Cfg
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.Setting{}, &database.User{}, &database.SessionRecord{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	config.Cfg = config.Settings{
		ReaperSchedule:   "*/10 * * * *",
		ReaperMinAge:     "10m",
		SessionRetention: "720h",
	}
	return func() {
		sandbox.SetForTest(nil)
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		database.DB = prevDB
		config.Cfg = prevCfg
	}
}

type reaperProvider struct {
	mu        sync.Mutex
	handles   []sandbox.Handle
	listErr   error
	destroyed []string
}

func (f *reaperProvider) Initialize(ctx context.Context) error { return nil }
func (f *reaperProvider) IsAvailable(ctx context.Context) bool { return true }
func (f *reaperProvider) BackendName() string                  { return "fake" }

func (f *reaperProvider) Create(ctx context.Context, params sandbox.CreateParams) (*sandbox.Handle, error) {
	return &sandbox.Handle{Name: params.Name, Backend: "fake", CreatedAt: time.Now()}, nil
}

func (f *reaperProvider) Attach(ctx context.Context, name string) (*sandbox.Handle, error) {
	return &sandbox.Handle{Name: name, Backend: "fake", Attached: true}, nil
}

func (f *reaperProvider) Destroy(ctx context.Context, handle *sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle.Name)
	return nil
}

func (f *reaperProvider) List(ctx context.Context) ([]sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]sandbox.Handle(nil), f.handles...), nil
}

func (f *reaperProvider) Exec(ctx context.Context, handle *sandbox.Handle, cmd []string) (string, string, int, error) {
	return "", "", 0, nil
}

func (f *reaperProvider) WriteFile(ctx context.Context, handle *sandbox.Handle, path string, data []byte) error {
	return nil
}

func (f *reaperProvider) ReadFile(ctx context.Context, handle *sandbox.Handle, path string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *reaperProvider) AttachPty(ctx context.Context, handle *sandbox.Handle, opts sandbox.PtyOptions) (*sandbox.Pty, error) {
	outR, outW := io.Pipe()
	return &sandbox.Pty{
		Stdin:  io.Discard,
		Stdout: outR,
		Resize: func(cols, rows uint16) error { return nil },
		Close:  func() error { return outW.Close() },
		Wait:   func() (int, error) { return 0, nil },
	}, nil
}

func (f *reaperProvider) setHandles(handles []sandbox.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = handles
}

func (f *reaperProvider) destroyedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func TestReapOrphanSandboxes_NoProvider(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	sandbox.SetForTest(nil)

	// Should be a no-op, not a panic
	reapOrphanSandboxes(context.Background(), session.NewRegistry())
}

func TestReapOrphanSandboxes_DestroysAgedOrphan(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	fp := &reaperProvider{handles: []sandbox.Handle{
		{Name: "shellbox-dead", Backend: "fake", CreatedAt: time.Now().Add(-time.Hour)},
	}}
	sandbox.SetForTest(fp)

	reapOrphanSandboxes(context.Background(), session.NewRegistry())

	destroyed := fp.destroyedNames()
	if len(destroyed) != 1 || destroyed[0] != "shellbox-dead" {
		t.Errorf("expected shellbox-dead to be destroyed, got %v", destroyed)
	}
}

func TestReapOrphanSandboxes_SkipsYoungSandbox(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	fp := &reaperProvider{handles: []sandbox.Handle{
		{Name: "shellbox-fresh", Backend: "fake", CreatedAt: time.Now()},
	}}
	sandbox.SetForTest(fp)

	reapOrphanSandboxes(context.Background(), session.NewRegistry())

	if destroyed := fp.destroyedNames(); len(destroyed) != 0 {
		t.Errorf("expected no destroys for a young sandbox, got %v", destroyed)
	}
}

func TestReapOrphanSandboxes_SkipsLiveSession(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	fp := &reaperProvider{}
	sandbox.SetForTest(fp)

	reg := session.NewRegistry()
	m := session.NewManager(fp, session.Config{IdleTimeout: time.Minute})
	if err := m.Start(context.Background(), func([]byte) {}, func(session.ExitEvent) {}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	defer m.Kill()
	reg.Add(m)

	owned := m.Info().SandboxName
	if owned == "" {
		t.Fatal("expected session to report its sandbox name")
	}

	// Both sandboxes are old enough to reap; only the unowned one may go.
	fp.setHandles([]sandbox.Handle{
		{Name: owned, Backend: "fake", CreatedAt: time.Now().Add(-time.Hour)},
		{Name: "shellbox-orphan", Backend: "fake", CreatedAt: time.Now().Add(-time.Hour)},
	})

	reapOrphanSandboxes(context.Background(), reg)

	destroyed := fp.destroyedNames()
	if len(destroyed) != 1 || destroyed[0] != "shellbox-orphan" {
		t.Errorf("expected only shellbox-orphan destroyed, got %v", destroyed)
	}
}

func TestReapOrphanSandboxes_ListErrorIsNonFatal(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	fp := &reaperProvider{listErr: errors.New("backend down")}
	sandbox.SetForTest(fp)

	reapOrphanSandboxes(context.Background(), session.NewRegistry())

	if destroyed := fp.destroyedNames(); len(destroyed) != 0 {
		t.Errorf("expected no destroys on list failure, got %v", destroyed)
	}
}

func TestPurgeExpiredRecords_DeletesOldEnded(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	config.Cfg.SessionRetention = "1h"

	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-10 * time.Minute)
	database.DB.Create(&database.SessionRecord{
		SessionID: "old-sess", Status: database.SessionStatusEnded,
		StartedAt: old.Add(-time.Minute), EndedAt: &old,
	})
	database.DB.Create(&database.SessionRecord{
		SessionID: "recent-sess", Status: database.SessionStatusEnded,
		StartedAt: recent.Add(-time.Minute), EndedAt: &recent,
	})
	database.DB.Create(&database.SessionRecord{
		SessionID: "live-sess", Status: database.SessionStatusActive,
		StartedAt: old,
	})

	purgeExpiredRecords()

	var ids []string
	database.DB.Model(&database.SessionRecord{}).Order("session_id").Pluck("session_id", &ids)
	if len(ids) != 2 || ids[0] != "live-sess" || ids[1] != "recent-sess" {
		t.Errorf("expected live-sess and recent-sess to survive, got %v", ids)
	}
}

func TestPurgeExpiredRecords_BadRetentionIsNoop(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	config.Cfg.SessionRetention = "soon"

	old := time.Now().Add(-100 * 24 * time.Hour)
	database.DB.Create(&database.SessionRecord{
		SessionID: "ancient", Status: database.SessionStatusEnded,
		StartedAt: old, EndedAt: &old,
	})

	purgeExpiredRecords()

	var count int64
	database.DB.Model(&database.SessionRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("expected record kept under invalid retention, got count %d", count)
	}
}

func TestStartReaper_InvalidSchedule(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	config.Cfg.ReaperSchedule = "every now and then"

	c, err := startReaper(context.Background(), session.NewRegistry())
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if c != nil {
		t.Error("expected nil scheduler on error")
	}
}

func TestStartReaper_ValidSchedule(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	c, err := startReaper(context.Background(), session.NewRegistry())
	if err != nil {
		t.Fatalf("start reaper: %v", err)
	}
	if c == nil {
		t.Fatal("expected a running scheduler")
	}
	c.Stop()
}
