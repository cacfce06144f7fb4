package model

import (
	"strings"
	"time"

	"github.com/Senneseph/edge-hive/sdk"
)

// ProviderDescriptor is a persisted provider record. Config is an opaque
// key/value map whose shape depends on the subtype; secret values are
// stored in full but must never leave the process unredacted.
type ProviderDescriptor struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      sdk.ProviderKind  `json:"kind"`
	Subtype   string            `json:"subtype"`
	Config    map[string]string `json:"config"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ProviderStatus is a sanitized descriptor with its activation state, the
// shape admin listings return.
type ProviderStatus struct {
	ProviderDescriptor
	Active bool `json:"active"`
}

// secretConfigKeys are config keys whose values are redacted in listings.
var secretConfigKeys = map[string]bool{
	"password":   true,
	"secret":     true,
	"secret_key": true,
	"access_key": true,
	"token":      true,
	"api_key":    true,
	"dsn":        true,
}

// Sanitized returns a copy of d safe for admin listings: every secret
// config value is replaced with "[REDACTED]".
func (d ProviderDescriptor) Sanitized() ProviderDescriptor {
	out := d
	out.Config = make(map[string]string, len(d.Config))
	for k, v := range d.Config {
		if secretConfigKeys[strings.ToLower(k)] {
			out.Config[k] = "[REDACTED]"
		} else {
			out.Config[k] = v
		}
	}
	return out
}

// Validate checks the fields required before a provider can be activated.
func (d *ProviderDescriptor) Validate() error {
	if d.Name == "" {
		return sdk.NewBadRequestError("provider name is required")
	}
	if !d.Kind.Valid() {
		return sdk.NewBadRequestError("unknown provider kind " + string(d.Kind))
	}
	if d.Subtype == "" {
		return sdk.NewBadRequestError("provider subtype is required")
	}
	return nil
}
