package crypto

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shellbox-dev/shellbox/internal/database"
)

func setupCryptoDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupCryptoDB(t)

	tok, err := Encrypt("AKIAEXAMPLESECRET")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if tok == "AKIAEXAMPLESECRET" {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "AKIAEXAMPLESECRET" {
		t.Errorf("round trip = %q, want original", got)
	}

	// The key generated on first use must be persisted.
	keyStr, err := database.GetSetting("fernet_key")
	if err != nil || keyStr == "" {
		t.Errorf("fernet key not persisted: %q, %v", keyStr, err)
	}
}

func TestDecryptEmpty(t *testing.T) {
	setupCryptoDB(t)

	got, err := Decrypt("")
	if err != nil {
		t.Fatalf("Decrypt(\"\") error = %v", err)
	}
	if got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestDecryptInvalidToken(t *testing.T) {
	setupCryptoDB(t)

	if _, err := Decrypt("not-a-fernet-token"); err == nil {
		t.Error("invalid token accepted")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"abcdefgh", "****efgh"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
