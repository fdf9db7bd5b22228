package main

import (
	"time"

	"github.com/spf13/viper"
)

const (
	// Database
	DbDriverNameKey       = "DbDriverName"
	DbConnectionStringKey = "DbConnectionString"

	// Web API
	WebAddressKey       = "WebAddress"
	WebUseTlsKey        = "WebUseTls"
	CertificateFileKey  = "CertificateFile"
	KeyFileKey          = "KeyFile"
	JwtCookieNameKey    = "JwtCookieName"
	JwtSecretFileKey    = "JwtSecretFile"

	// Credential encryption
	CredentialKeyFileKey = "CredentialKeyFile"

	// Polling
	PollCronSpecKey      = "PollCronSpec"
	PollConfigDelayKey   = "PollConfigDelaySeconds"
	PollBatchLimitKey    = "PollBatchLimit"
	ImapTimeoutKey       = "ImapTimeoutSeconds"
	MarkProcessedKey     = "MarkProcessedAsRead"
	SearchAllMessagesKey = "SearchAllMessages"

	// Analysis
	DnsServerKey          = "DnsServer"
	AnalysisWindowDaysKey = "AnalysisWindowDays"

	// Admin bootstrap
	AdminUsernameKey = "AdminUsername"
)

func SetConfigDefaults() {
	viper.SetDefault(DbDriverNameKey, "sqlite3")
	viper.SetDefault(DbConnectionStringKey, "dmarc-analyzer.db")

	viper.SetDefault(WebAddressKey, ":8080")
	viper.SetDefault(WebUseTlsKey, false)
	viper.SetDefault(CertificateFileKey, "keys/fullchain.pem")
	viper.SetDefault(KeyFileKey, "keys/privkey.pem")
	viper.SetDefault(JwtCookieNameKey, "dmarc_analyzer_jwt")
	viper.SetDefault(JwtSecretFileKey, "keys/jwt-secret")

	viper.SetDefault(CredentialKeyFileKey, "keys/credential-key")

	viper.SetDefault(PollCronSpecKey, "@daily")
	viper.SetDefault(PollConfigDelayKey, 2)
	viper.SetDefault(PollBatchLimitKey, 50)
	viper.SetDefault(ImapTimeoutKey, 30)
	viper.SetDefault(MarkProcessedKey, true)
	viper.SetDefault(SearchAllMessagesKey, false)

	viper.SetDefault(DnsServerKey, "8.8.8.8:53")
	viper.SetDefault(AnalysisWindowDaysKey, 30)

	viper.SetDefault(AdminUsernameKey, "admin")

	viper.SetConfigName("dmarc-analyzer")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/dmarc-analyzer")
	_ = viper.ReadInConfig()
}

func GetString(key string) string {
	return viper.GetString(key)
}

func GetInt(key string) int {
	return viper.GetInt(key)
}

func GetBool(key string) bool {
	return viper.GetBool(key)
}

func GetSeconds(key string) time.Duration {
	return time.Duration(viper.GetInt(key)) * time.Second
}
