package config

import (
	"os"
	"strconv"
	"strings"
)

const DATABASE_TYPE = "WFENG_DATABASE_TYPE"
const DATABASE_URL = "WFENG_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "WFENG_DATABASE_SQLLITE_FILE_NAME"
const ENGINE_SWEEP_INTERVAL = "WFENG_ENGINE_SWEEP_INTERVAL"         //how often the scheduled transition sweep runs
const ENGINE_SWEEP_BATCH_SIZE = "WFENG_ENGINE_SWEEP_BATCH_SIZE"     //number of instances to pull per sweep
const ENGINE_WEBHOOK_TIMEOUT_SECONDS = "WFENG_ENGINE_WEBHOOK_TIMEOUT_SECONDS"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

// APP_SETTING_PREFIX namespaces the app-setting lookups consumed by the
// condition evaluator's setting: paths and gate threshold resolution.
const APP_SETTING_PREFIX = "WFENG_SETTING_"

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	if settingKey == ENGINE_SWEEP_INTERVAL {
		return "60s"
	}
	if settingKey == ENGINE_SWEEP_BATCH_SIZE {
		return "100"
	}
	if settingKey == ENGINE_WEBHOOK_TIMEOUT_SECONDS {
		return "10"
	}
	if settingKey == DATABASE_SQLLITE_FILE_NAME {
		return "./guildflow.db"
	}
	return ""
}

// Settings resolves application settings from the environment. Dotted
// setting keys such as "Awards.ApprovalsRequired" map to
// WFENG_SETTING_AWARDS_APPROVALSREQUIRED.
type Settings struct{}

func NewSettings() *Settings { return &Settings{} }

func (s *Settings) Setting(key string) (string, bool) {
	envKey := APP_SETTING_PREFIX + normalizeSettingKey(key)
	val, ok := os.LookupEnv(envKey)
	return val, ok
}

func normalizeSettingKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
