package controller

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
)

func TestSendTransmissionRequest_ToDomain(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("<Invoice/>"))

	tests := []struct {
		name     string
		req      SendTransmissionRequest
		max      int64
		wantType document.Type
		wantErr  error
	}{
		{
			name:     "short name",
			req:      SendTransmissionRequest{Document: encoded, Metadata: MetadataRequest{DocumentType: "invoice"}},
			wantType: document.Invoice,
		},
		{
			name:     "alias",
			req:      SendTransmissionRequest{Document: encoded, Metadata: MetadataRequest{DocumentType: "Credit-Note"}},
			wantType: document.CreditNote,
		},
		{
			name:     "unknown type passes through",
			req:      SendTransmissionRequest{Document: encoded, Metadata: MetadataRequest{DocumentType: "order"}},
			wantType: document.Type("order"),
		},
		{
			name:    "not base64",
			req:     SendTransmissionRequest{Document: "%%%", Metadata: MetadataRequest{DocumentType: "invoice"}},
			wantErr: domainErrors.ErrValidationFailed,
		},
		{
			name:    "over the size limit",
			req:     SendTransmissionRequest{Document: encoded, Metadata: MetadataRequest{DocumentType: "invoice"}},
			max:     4,
			wantErr: errDocumentTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.toDomain(tt.max)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got.Metadata.DocumentType)
			assert.Equal(t, []byte("<Invoice/>"), got.Document)
		})
	}
}

func TestRegisterParticipantRequest_ToDomain(t *testing.T) {
	reg := RegisterParticipantRequest{
		ParticipantID: "0088:7300010000001",
		Country:       "GB",
		DocumentTypes: []string{"invoice", "creditnote", "catalogue"},
	}.toDomain()

	assert.Equal(t, "0088:7300010000001", reg.ParticipantID)
	assert.Equal(t, []document.Type{document.Invoice, document.CreditNote, "catalogue"}, reg.DocumentTypes)

	_, err := reg.Validate()
	assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)
}
