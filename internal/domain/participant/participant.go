package participant

import (
	"strings"
	"unicode"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	"github.com/cassiomorais/apgateway/internal/domain/errors"
)

// IdentifierScheme is the Peppol participant identifier scheme.
const IdentifierScheme = "iso6523-actorid-upis"

// ID is a network participant identifier such as 0195:T08GB0001A.
type ID struct {
	Scheme string
	Value  string
}

// ParseID parses "<scheme>:<value>", optionally prefixed with
// "iso6523-actorid-upis::". field names the input in validation errors.
func ParseID(field, raw string) (ID, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, IdentifierScheme+"::")
	if s == "" {
		return ID{}, errors.NewValidationError(field, "is required")
	}

	scheme, value, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || value == "" {
		return ID{}, errors.NewValidationError(field, "must be <scheme>:<value>")
	}
	for _, r := range scheme {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' {
			return ID{}, errors.NewValidationError(field, "scheme contains invalid characters")
		}
	}
	if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
		return ID{}, errors.NewValidationError(field, "value must not contain whitespace")
	}

	return ID{Scheme: scheme, Value: value}, nil
}

func (id ID) String() string {
	return id.Scheme + ":" + id.Value
}

// URN returns the scheme-qualified form used in SMP URLs.
func (id ID) URN() string {
	return IdentifierScheme + "::" + id.String()
}

// Capability is one document type a participant can receive.
type Capability struct {
	DocumentType document.Type `json:"document_type"`
	DocumentID   string        `json:"document_id"`
	ProcessID    string        `json:"process_id,omitempty"`
}

// DirectoryEntry is the result of a directory lookup. Found=false is a
// normal answer, not an error.
type DirectoryEntry struct {
	ParticipantID    string       `json:"participant_id"`
	Found            bool         `json:"found"`
	Capabilities     []Capability `json:"capabilities"`
	Endpoint         string       `json:"endpoint,omitempty"`
	TransportProfile string       `json:"transport_profile,omitempty"`
	Sandbox          bool         `json:"sandbox,omitempty"`
}

// Supports reports whether the entry lists t.
func (e *DirectoryEntry) Supports(t document.Type) bool {
	for _, c := range e.Capabilities {
		if c.DocumentType == t {
			return true
		}
	}
	return false
}

// Registration asks a provider to make a participant reachable on the network.
type Registration struct {
	ParticipantID string
	LegalEntityID string
	Name          string
	Country       string
	DocumentTypes []document.Type
}

// Validate checks the registration and returns the parsed participant id.
func (r Registration) Validate() (ID, error) {
	id, err := ParseID("participant_id", r.ParticipantID)
	if err != nil {
		return ID{}, err
	}
	if r.Country != "" && len(r.Country) != 2 {
		return ID{}, errors.NewValidationError("country", "must be an ISO 3166-1 alpha-2 code")
	}
	if len(r.DocumentTypes) == 0 {
		return ID{}, errors.NewValidationError("document_types", "at least one document type is required")
	}
	for _, t := range r.DocumentTypes {
		if !t.Valid() {
			return ID{}, errors.NewValidationError("document_types", "unsupported document type "+string(t))
		}
	}
	return id, nil
}

// RegistrationResult reports the provider-side registration.
type RegistrationResult struct {
	RegistrationID string `json:"registration_id"`
	ParticipantID  string `json:"participant_id"`
	Status         string `json:"status"`
	Provider       string `json:"provider"`
	Sandbox        bool   `json:"sandbox,omitempty"`
}
