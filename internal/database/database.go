package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/shellbox-dev/shellbox/internal/config"
)

var DB *gorm.DB

// Init opens the sqlite database, runs migrations and seeds default
// settings from the environment config.
func Init() error {
	path := config.Cfg.DatabasePath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &User{}, &SessionRecord{}); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	DB = db
	return seedDefaults()
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// seedDefaults writes settings rows for values that come from the
// environment on first boot. Existing rows are never overwritten so
// edits made through the API survive restarts. Secrets are not seeded
// here; they only enter the database encrypted, via the settings API.
func seedDefaults() error {
	defaults := map[string]string{
		"sandbox_image":     config.Cfg.SandboxImage,
		"sandbox_cpu":       config.Cfg.SandboxCPU,
		"sandbox_memory":    config.Cfg.SandboxMemory,
		"idle_timeout":      config.Cfg.IdleTimeout,
		"storage_enabled":   strconv.FormatBool(config.Cfg.StorageEnabled),
		"storage_backend":   config.Cfg.StorageBackend,
		"storage_auth_mode": config.Cfg.StorageAuthMode,
		"s3_bucket":         config.Cfg.S3Bucket,
		"s3_endpoint":       config.Cfg.S3Endpoint,
		"s3_region":         config.Cfg.S3Region,
		"blob_account":      config.Cfg.BlobAccount,
		"blob_container":    config.Cfg.BlobContainer,
	}
	for key, value := range defaults {
		var s Setting
		err := DB.First(&s, "key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read setting %s: %w", key, err)
		}
	}
	return nil
}

// GetSetting returns the value for key, or "" when the key does not exist.
func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.First(&s, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Delete(&Setting{}, "key = ?", key).Error
}

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.First(&u, "username = ?", username).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(u *User) error {
	return DB.Create(u).Error
}

func UpdateUserPassword(id uint, passwordHash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", passwordHash).Error
}

func DeleteUser(id uint) error {
	return DB.Delete(&User{}, id).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func CountUsers() (int64, error) {
	var n int64
	if err := DB.Model(&User{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// GetFirstAdmin returns the oldest admin account. Used when auth is
// disabled so requests still run as a real user.
func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("is_admin = ?", true).Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateSessionRecord(rec *SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = SessionStatusActive
	}
	return DB.Create(rec).Error
}

// FinalizeSessionRecord marks a session ended. The first finalization
// wins; later calls for the same session are no-ops.
func FinalizeSessionRecord(sessionID string, exitCode *int, reason string) error {
	now := time.Now()
	updates := map[string]any{
		"status":      SessionStatusEnded,
		"exit_reason": reason,
		"ended_at":    &now,
	}
	if exitCode != nil {
		updates["exit_code"] = *exitCode
	}
	return DB.Model(&SessionRecord{}).
		Where("session_id = ? AND status = ?", sessionID, SessionStatusActive).
		Updates(updates).Error
}

func GetSessionRecord(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := DB.First(&rec, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func ListSessionRecords(limit int) ([]SessionRecord, error) {
	var recs []SessionRecord
	q := DB.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// CloseStaleSessionRecords finalizes records left active by a previous
// server process. Called once at startup, before any new session starts.
func CloseStaleSessionRecords() (int64, error) {
	now := time.Now()
	res := DB.Model(&SessionRecord{}).
		Where("status = ?", SessionStatusActive).
		Updates(map[string]any{
			"status":      SessionStatusEnded,
			"exit_reason": ExitReasonRestart,
			"ended_at":    &now,
		})
	return res.RowsAffected, res.Error
}

// PurgeSessionRecords deletes ended records older than the cutoff and
// returns the number removed.
func PurgeSessionRecords(before time.Time) (int64, error) {
	res := DB.Where("status = ? AND ended_at < ?", SessionStatusEnded, before).Delete(&SessionRecord{})
	return res.RowsAffected, res.Error
}
