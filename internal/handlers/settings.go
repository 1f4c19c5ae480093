package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shellbox-dev/shellbox/internal/crypto"
	"github.com/shellbox-dev/shellbox/internal/database"
)

// plainSettings are returned as-is.
var plainSettings = []string{
	"sandbox_backend",
	"sandbox_image",
	"sandbox_cpu",
	"sandbox_memory",
	"idle_timeout",
	"storage_enabled",
	"storage_backend",
	"storage_auth_mode",
	"s3_bucket",
	"s3_endpoint",
	"s3_region",
	"blob_account",
	"blob_container",
}

// secretSettings are stored encrypted and returned masked.
var secretSettings = []string{
	"s3_access_key",
	"s3_secret_key",
	"blob_account_key",
}

func isSecretSetting(key string) bool {
	for _, s := range secretSettings {
		if s == key {
			return true
		}
	}
	return false
}

func isKnownSetting(key string) bool {
	if isSecretSetting(key) {
		return true
	}
	for _, s := range plainSettings {
		if s == key {
			return true
		}
	}
	return false
}

func getAllSettings() map[string]string {
	var settings []database.Setting
	database.DB.Find(&settings)
	result := make(map[string]string)
	for _, s := range settings {
		result[s.Key] = s.Value
	}
	return result
}

func settingsToResponse(raw map[string]string) map[string]interface{} {
	result := make(map[string]interface{})

	for _, key := range plainSettings {
		result[key] = raw[key]
	}

	for _, key := range secretSettings {
		val := raw[key]
		if val == "" {
			result[key] = ""
			continue
		}
		decrypted, err := crypto.Decrypt(val)
		if err != nil {
			result[key] = ""
			continue
		}
		result[key] = crypto.Mask(decrypted)
	}

	return result
}

func GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsToResponse(getAllSettings()))
}

// UpdateSettings accepts a partial map of settings. Secret values are
// encrypted before they touch the database; an empty string clears the
// stored secret. Unknown keys are rejected.
func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	for key, val := range raw {
		strVal, ok := val.(string)
		if !ok {
			writeError(w, http.StatusBadRequest, "Setting values must be strings")
			return
		}
		if !isKnownSetting(key) {
			writeError(w, http.StatusBadRequest, "Unknown setting: "+key)
			return
		}

		if isSecretSetting(key) {
			// Clearing a secret removes the row, not just its value.
			if strVal == "" {
				if err := database.DeleteSetting(key); err != nil {
					writeError(w, http.StatusInternalServerError, "Failed to save setting")
					return
				}
				continue
			}
			encrypted, err := crypto.Encrypt(strVal)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to encrypt secret")
				return
			}
			strVal = encrypted
		}
		if err := database.SetSetting(key, strVal); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save setting")
			return
		}
	}

	writeJSON(w, http.StatusOK, settingsToResponse(getAllSettings()))
}
