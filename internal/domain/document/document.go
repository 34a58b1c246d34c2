package document

import "strings"

// Type is the business document kind carried by a transmission.
type Type string

const (
	Invoice    Type = "invoice"
	CreditNote Type = "credit_note"
)

const (
	// IdentifierScheme is the Peppol document identifier scheme.
	IdentifierScheme = "busdox-docid-qns"
	// ProcessScheme is the Peppol process identifier scheme.
	ProcessScheme = "cenbii-procid-ubl"
	// BillingProcess is the Peppol BIS Billing 3.0 process identifier.
	BillingProcess = "urn:fdc:peppol.eu:2017:poacc:billing:01:1.0"
)

const (
	invoiceRoot      = "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2::Invoice"
	creditNoteRoot   = "urn:oasis:names:specification:ubl:schema:xsd:CreditNote-2::CreditNote"
	bisCustomization = "##urn:cen.eu:en16931:2017#compliant#urn:fdc:peppol.eu:2017:poacc:billing:3.0::2.1"
)

// Valid reports whether t is a supported document type.
func (t Type) Valid() bool {
	return t == Invoice || t == CreditNote
}

// Identifier returns the Peppol BIS 3.0 document type identifier.
func (t Type) Identifier() string {
	switch t {
	case Invoice:
		return invoiceRoot + bisCustomization
	case CreditNote:
		return creditNoteRoot + bisCustomization
	}
	return ""
}

// QualifiedIdentifier prefixes Identifier with its scheme, as used in SMP URLs.
func (t Type) QualifiedIdentifier() string {
	id := t.Identifier()
	if id == "" {
		return ""
	}
	return IdentifierScheme + "::" + id
}

// FromIdentifier maps a (possibly scheme-qualified) document type
// identifier back to a Type by its UBL root element.
func FromIdentifier(id string) (Type, bool) {
	id = strings.TrimPrefix(id, IdentifierScheme+"::")
	switch {
	case strings.HasPrefix(id, invoiceRoot):
		return Invoice, true
	case strings.HasPrefix(id, creditNoteRoot):
		return CreditNote, true
	}
	return "", false
}

// Parse accepts the short names and the Peppol identifiers.
func Parse(s string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "invoice":
		return Invoice, true
	case "credit_note", "creditnote", "credit-note":
		return CreditNote, true
	}
	return FromIdentifier(strings.TrimSpace(s))
}
