package config

import "strings"

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Node URLs often embed a provider key in the path.
	if out.Ledger.WSURL != "" {
		out.Ledger.WSURL = redactURLPath(out.Ledger.WSURL)
	}

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Ingest.Streams = cloneStrings(cfg.Ingest.Streams)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	if cfg.Assets != nil {
		out.Assets = make([]AssetConfig, len(cfg.Assets))
		copy(out.Assets, cfg.Assets)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURLPath keeps scheme and host and masks everything after them.
func redactURLPath(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return redacted
	}
	rest := raw[i+3:]
	if j := strings.Index(rest, "/"); j >= 0 && j < len(rest)-1 {
		return raw[:i+3+j] + "/" + redacted
	}
	return raw
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
