package notify

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// TransportKind selects how a report leaves the process.
type TransportKind string

const (
	SMTP    TransportKind = "smtp"
	Webhook TransportKind = "webhook"
	// Log writes the report to the log instead of sending it.
	Log TransportKind = "log"
)

var transportKindToString = map[TransportKind]string{
	SMTP:    "smtp",
	Webhook: "webhook",
	Log:     "log",
}

var stringToTransportKind map[string]TransportKind

func init() {
	stringToTransportKind = util.InvertMap(transportKindToString)
}

func (k TransportKind) String() string {
	if str, ok := transportKindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_transport(%s)", string(k))
}

// ParseTransportKind parses a string into a TransportKind. It defaults to smtp if the string is empty.
func ParseTransportKind(s string) (TransportKind, error) {
	if s == "" {
		return SMTP, nil
	}
	if k, ok := stringToTransportKind[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("invalid notification transport: %q. Must be 'smtp', 'webhook' or 'log'", s)
}

func (k TransportKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *TransportKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("notification transport should be a string, got %s", data)
	}
	parsed, err := ParseTransportKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k *TransportKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("notification transport should be a string: %w", err)
	}
	parsed, err := ParseTransportKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NewTransport builds the transport selected by p.
func NewTransport(p *Plan) (Transport, error) {
	switch p.Transport {
	case SMTP:
		return NewSMTPTransport(p.SMTP)
	case Webhook:
		return NewWebhookTransport(p.Webhook)
	case Log:
		return LogTransport{}, nil
	default:
		return nil, fmt.Errorf("unsupported notification transport: %s", p.Transport)
	}
}
