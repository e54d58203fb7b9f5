package encrypt

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-vault/pkg/util"
	"gopkg.in/yaml.v3"
)

// Backend selects the implementation that performs the OpenPGP transform.
type Backend string

const (
	// OpenPGP encrypts in process against a public keyring file.
	OpenPGP Backend = "openpgp"
	// GPG shells out to a gpg binary and its own keyring.
	GPG Backend = "gpg"
)

var backendToString = map[Backend]string{
	OpenPGP: "openpgp",
	GPG:     "gpg",
}

var stringToBackend map[string]Backend

func init() {
	stringToBackend = util.InvertMap(backendToString)
}

func (b Backend) String() string {
	if str, ok := backendToString[b]; ok {
		return str
	}
	return fmt.Sprintf("unknown_backend(%s)", string(b))
}

// ParseBackend parses a string into a Backend. It defaults to openpgp if the string is empty.
func ParseBackend(s string) (Backend, error) {
	if s == "" {
		return OpenPGP, nil
	}
	if b, ok := stringToBackend[s]; ok {
		return b, nil
	}
	return "", fmt.Errorf("invalid encryption backend: %q. Must be 'openpgp' or 'gpg'", s)
}

func (b Backend) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *Backend) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("encryption backend should be a string, got %s", data)
	}
	parsed, err := ParseBackend(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b *Backend) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("encryption backend should be a string: %w", err)
	}
	parsed, err := ParseBackend(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
