package notify

import "time"

type Plan struct {
	Enabled       bool
	Transport     TransportKind
	OnlyOnFailure bool

	SMTP    SMTPConfig
	Webhook WebhookConfig

	// Global Flags
	DryRun bool
}

type SMTPConfig struct {
	Server   string
	Port     int
	User     string
	Password string
	From     string
	To       []string
	StartTLS bool
	Timeout  time.Duration
}

type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Retries int
	// RetryBackoff is the delay before the first retry; it doubles per attempt.
	RetryBackoff time.Duration
}
