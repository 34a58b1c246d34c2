package connector

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
)

func TestBDXLQueryName(t *testing.T) {
	upper := bdxlQueryName(participant.ID{Scheme: "0195", Value: "T08GB0001A"}, "acc.edelivery.tech.ec.europa.eu.")
	lower := bdxlQueryName(participant.ID{Scheme: "0195", Value: "t08gb0001a"}, "acc.edelivery.tech.ec.europa.eu")

	assert.Equal(t, upper, lower)
	assert.True(t, strings.HasSuffix(upper, ".iso6523-actorid-upis.acc.edelivery.tech.ec.europa.eu"))

	hash, _, _ := strings.Cut(upper, ".")
	// 32 byte digest, base32 without padding
	assert.Len(t, hash, 52)
	assert.NotContains(t, hash, "=")
}

func TestSelectSMPRecord(t *testing.T) {
	id := participant.ID{Scheme: "0088", Value: "7300010000001"}
	record := func(flags, service, regexp string, order, pref uint16) *dns.NAPTR {
		return &dns.NAPTR{Flags: flags, Service: service, Regexp: regexp, Order: order, Preference: pref}
	}

	tests := []struct {
		name    string
		records []*dns.NAPTR
		want    string
		wantErr error
	}{
		{
			name:    "single record",
			records: []*dns.NAPTR{record("U", "Meta:SMP", "!.*!https://smp.example/!", 100, 10)},
			want:    "https://smp.example/",
		},
		{
			name: "lowest order wins",
			records: []*dns.NAPTR{
				record("U", "Meta:SMP", "!.*!https://second.example/!", 200, 10),
				record("U", "Meta:SMP", "!.*!https://first.example/!", 100, 20),
			},
			want: "https://first.example/",
		},
		{
			name: "ignores non-smp services",
			records: []*dns.NAPTR{
				record("U", "oasis-bdxr-smp-2", "!.*!https://smp2.example/!", 1, 1),
				record("S", "Meta:SMP", "!.*!https://srv.example/!", 1, 1),
			},
			wantErr: domainErrors.ErrParticipantNotFound,
		},
		{
			name:    "no records",
			wantErr: domainErrors.ErrParticipantNotFound,
		},
		{
			name:    "bad regexp",
			records: []*dns.NAPTR{record("U", "Meta:SMP", "!.*!ftp://smp.example/!", 1, 1)},
			wantErr: errInvalidNAPTR,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectSMPRecord(id, tt.records)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNAPTRURL(t *testing.T) {
	_, err := naptrURL("")
	assert.ErrorIs(t, err, errInvalidNAPTR)

	_, err = naptrURL("!.*!!")
	assert.ErrorIs(t, err, errInvalidNAPTR)

	got, err := naptrURL("!^.*$!http://smp.local:8080!")
	require.NoError(t, err)
	assert.Equal(t, "http://smp.local:8080", got)
}

func TestSMPURLs(t *testing.T) {
	id := participant.ID{Scheme: "0088", Value: "123"}

	assert.Equal(t, "https://smp.example/iso6523-actorid-upis::0088:123", serviceGroupURL("https://smp.example/", id))

	metadata := serviceMetadataURL("https://smp.example", id, "invoice")
	assert.True(t, strings.HasPrefix(metadata, "https://smp.example/iso6523-actorid-upis::0088:123/services/busdox-docid-qns::"))
	assert.Contains(t, metadata, "%23%23urn:cen.eu")
}
