package connector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/miekg/dns"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
)

// TransportProfileAS4 is the Peppol AS4 transport profile advertised in SMP endpoints.
const TransportProfileAS4 = "peppol-transport-as4-v2_0"

const (
	smpServiceType = "meta:smp"

	nsSMP = "http://busdox.org/serviceMetadata/publishing/1.0/"
	nsIDs = "http://busdox.org/transport/identifiers/1.0/"
	nsWSA = "http://www.w3.org/2005/08/addressing"
)

var errInvalidNAPTR = errors.New("invalid NAPTR record")

// NAPTRResolver locates the SMP serving a participant through the SML.
type NAPTRResolver interface {
	LookupSMP(ctx context.Context, id participant.ID, smlDomain string) (string, error)
}

// DNSResolver performs BDXL U-NAPTR lookups with miekg/dns.
type DNSResolver struct {
	client *dns.Client
	server string
}

// NewDNSResolver returns a resolver querying server ("ip:port"). An empty
// server selects the first nameserver from /etc/resolv.conf.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	return &DNSResolver{
		client: &dns.Client{Timeout: timeout},
		server: server,
	}
}

// LookupSMP returns the SMP base URL for id. A missing record yields
// ErrParticipantNotFound; resolver failures are transport errors.
func (r *DNSResolver) LookupSMP(ctx context.Context, id participant.ID, smlDomain string) (string, error) {
	server, err := r.nameserver()
	if err != nil {
		return "", domainErrors.NewTransportError("smp discovery", 0, err)
	}

	query := bdxlQueryName(id, smlDomain)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(query), dns.TypeNAPTR)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", domainErrors.NewTransportError("smp discovery", 0, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", fmt.Errorf("%s: %w", id, domainErrors.ErrParticipantNotFound)
	default:
		return "", domainErrors.NewTransportError("smp discovery", 0, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode]))
	}

	var records []*dns.NAPTR
	for _, rr := range resp.Answer {
		if naptr, ok := rr.(*dns.NAPTR); ok {
			records = append(records, naptr)
		}
	}
	return selectSMPRecord(id, records)
}

func (r *DNSResolver) nameserver() (string, error) {
	if r.server != "" {
		return r.server, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("read resolver config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return "", errors.New("no nameservers configured")
	}
	return cfg.Servers[0] + ":" + cfg.Port, nil
}

// bdxlQueryName hashes the lowercased identifier with SHA-256 and encodes
// it as unpadded base32.
func bdxlQueryName(id participant.ID, smlDomain string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(id.String())))
	hash := strings.TrimRight(base32.StdEncoding.EncodeToString(sum[:]), "=")
	return hash + "." + participant.IdentifierScheme + "." + strings.TrimSuffix(smlDomain, ".")
}

// selectSMPRecord picks the lowest order/preference U-NAPTR Meta:SMP record.
func selectSMPRecord(id participant.ID, records []*dns.NAPTR) (string, error) {
	var best *dns.NAPTR
	for _, rec := range records {
		if !strings.EqualFold(rec.Flags, "U") || strings.ToLower(rec.Service) != smpServiceType {
			continue
		}
		if best == nil || rec.Order < best.Order || (rec.Order == best.Order && rec.Preference < best.Preference) {
			best = rec
		}
	}
	if best == nil {
		return "", fmt.Errorf("%s: %w", id, domainErrors.ErrParticipantNotFound)
	}
	return naptrURL(best.Regexp)
}

// naptrURL extracts the replacement of a "!pattern!replacement!" field.
func naptrURL(field string) (string, error) {
	parts := strings.Split(field, "!")
	if len(parts) < 3 || parts[2] == "" {
		return "", fmt.Errorf("%w: %q", errInvalidNAPTR, field)
	}
	u, err := url.Parse(parts[2])
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return "", fmt.Errorf("%w: %q", errInvalidNAPTR, field)
	}
	return parts[2], nil
}

type smp10ServiceGroup struct {
	XMLName    xml.Name `xml:"ServiceGroup"`
	References struct {
		Items []struct {
			Href string `xml:"href,attr"`
		} `xml:"ServiceMetadataReference"`
	} `xml:"ServiceMetadataReferenceCollection"`
}

type smp10SignedServiceMetadata struct {
	XMLName         xml.Name `xml:"SignedServiceMetadata"`
	ServiceMetadata struct {
		ServiceInformation struct {
			DocumentIdentifier struct {
				Value  string `xml:",chardata"`
				Scheme string `xml:"scheme,attr"`
			} `xml:"DocumentIdentifier"`
			ProcessList struct {
				Processes []struct {
					ProcessIdentifier struct {
						Value  string `xml:",chardata"`
						Scheme string `xml:"scheme,attr"`
					} `xml:"ProcessIdentifier"`
					ServiceEndpointList struct {
						Endpoints []struct {
							TransportProfile string `xml:"transportProfile,attr"`
							EndpointURI      string `xml:"EndpointReference>Address"`
							LegacyURI        string `xml:"EndpointURI"`
							Certificate      string `xml:"Certificate"`
						} `xml:"Endpoint"`
					} `xml:"ServiceEndpointList"`
				} `xml:"Process"`
			} `xml:"ProcessList"`
		} `xml:"ServiceInformation"`
	} `xml:"ServiceMetadata"`
}

// smpService is one document type a participant accepts with the AS4
// endpoint serving it.
type smpService struct {
	DocumentID  string
	ProcessID   string
	EndpointURL string
	Certificate string
}

// smpClient reads and writes SMP 1.0 resources.
type smpClient struct {
	http    *http.Client
	timeout time.Duration
	token   string
}

func serviceGroupURL(smpURL string, id participant.ID) string {
	return strings.TrimSuffix(smpURL, "/") + "/" + url.PathEscape(id.URN())
}

func serviceMetadataURL(smpURL string, id participant.ID, t document.Type) string {
	return serviceGroupURL(smpURL, id) + "/services/" + url.PathEscape(t.QualifiedIdentifier())
}

// services lists the AS4 services published for id. ErrParticipantNotFound
// is returned when the SMP has no service group.
func (c *smpClient) services(ctx context.Context, smpURL string, id participant.ID) ([]smpService, error) {
	status, body, err := c.do(ctx, "smp service group", http.MethodGet, serviceGroupURL(smpURL, id), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", id, domainErrors.ErrParticipantNotFound)
	default:
		return nil, fmt.Errorf("smp service group: unexpected status %d", status)
	}

	var group smp10ServiceGroup
	if err := xml.Unmarshal(body, &group); err != nil {
		return nil, fmt.Errorf("decode service group: %w", err)
	}

	var out []smpService
	for _, ref := range group.References.Items {
		svc, err := c.metadata(ctx, ref.Href)
		if err != nil {
			if errors.Is(err, domainErrors.ErrParticipantNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, svc...)
	}
	return out, nil
}

func (c *smpClient) metadata(ctx context.Context, href string) ([]smpService, error) {
	status, body, err := c.do(ctx, "smp service metadata", http.MethodGet, href, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domainErrors.ErrParticipantNotFound
	default:
		return nil, fmt.Errorf("smp service metadata: unexpected status %d", status)
	}

	var meta smp10SignedServiceMetadata
	if err := xml.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode service metadata: %w", err)
	}

	info := meta.ServiceMetadata.ServiceInformation
	var out []smpService
	for _, proc := range info.ProcessList.Processes {
		for _, ep := range proc.ServiceEndpointList.Endpoints {
			if ep.TransportProfile != TransportProfileAS4 {
				continue
			}
			out = append(out, smpService{
				DocumentID:  strings.TrimSpace(info.DocumentIdentifier.Value),
				ProcessID:   strings.TrimSpace(proc.ProcessIdentifier.Value),
				EndpointURL: strings.TrimSpace(firstNonEmpty(ep.EndpointURI, ep.LegacyURI)),
				Certificate: strings.TrimSpace(ep.Certificate),
			})
		}
	}
	return out, nil
}

// putServiceGroup creates the participant's service group.
func (c *smpClient) putServiceGroup(ctx context.Context, smpURL string, id participant.ID) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	group := doc.CreateElement("smp:ServiceGroup")
	group.CreateAttr("xmlns:smp", nsSMP)
	group.CreateAttr("xmlns:ids", nsIDs)
	pid := group.CreateElement("ids:ParticipantIdentifier")
	pid.CreateAttr("scheme", participant.IdentifierScheme)
	pid.SetText(id.String())
	group.CreateElement("smp:ServiceMetadataReferenceCollection")

	return c.write(ctx, "smp put service group", serviceGroupURL(smpURL, id), doc)
}

// putServiceMetadata publishes one document type pointing at endpointURL.
func (c *smpClient) putServiceMetadata(ctx context.Context, smpURL string, id participant.ID, t document.Type, endpointURL, certificate string) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	meta := doc.CreateElement("smp:ServiceMetadata")
	meta.CreateAttr("xmlns:smp", nsSMP)
	meta.CreateAttr("xmlns:ids", nsIDs)
	meta.CreateAttr("xmlns:wsa", nsWSA)

	info := meta.CreateElement("smp:ServiceInformation")
	pid := info.CreateElement("ids:ParticipantIdentifier")
	pid.CreateAttr("scheme", participant.IdentifierScheme)
	pid.SetText(id.String())
	did := info.CreateElement("ids:DocumentIdentifier")
	did.CreateAttr("scheme", document.IdentifierScheme)
	did.SetText(t.Identifier())

	proc := info.CreateElement("smp:ProcessList").CreateElement("smp:Process")
	procID := proc.CreateElement("ids:ProcessIdentifier")
	procID.CreateAttr("scheme", document.ProcessScheme)
	procID.SetText(document.BillingProcess)

	ep := proc.CreateElement("smp:ServiceEndpointList").CreateElement("smp:Endpoint")
	ep.CreateAttr("transportProfile", TransportProfileAS4)
	ep.CreateElement("wsa:EndpointReference").CreateElement("wsa:Address").SetText(endpointURL)
	ep.CreateElement("smp:RequireBusinessLevelSignature").SetText("false")
	ep.CreateElement("smp:Certificate").SetText(certificate)
	ep.CreateElement("smp:ServiceDescription").SetText("Peppol AS4 access point")
	ep.CreateElement("smp:TechnicalContactUrl").SetText(endpointURL)

	return c.write(ctx, "smp put service metadata", serviceMetadataURL(smpURL, id, t), doc)
}

func (c *smpClient) deleteServiceGroup(ctx context.Context, smpURL string, id participant.ID) error {
	return c.remove(ctx, "smp delete service group", serviceGroupURL(smpURL, id))
}

func (c *smpClient) deleteServiceMetadata(ctx context.Context, smpURL string, id participant.ID, t document.Type) error {
	return c.remove(ctx, "smp delete service metadata", serviceMetadataURL(smpURL, id, t))
}

// ping checks that the SMP answers HTTP at all.
func (c *smpClient) ping(ctx context.Context, smpURL string) error {
	status, _, err := c.do(ctx, "smp ping", http.MethodGet, smpURL, nil)
	if err != nil {
		return err
	}
	if status >= 500 {
		return domainErrors.NewTransportError("smp ping", status, nil)
	}
	return nil
}

func (c *smpClient) write(ctx context.Context, op, target string, doc *etree.Document) error {
	doc.Indent(2)
	body, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	status, resp, err := c.do(ctx, op, http.MethodPut, target, body)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, domainErrors.ErrUnauthorized)
	case status == http.StatusConflict, status == http.StatusBadRequest:
		return &domainErrors.RejectedError{Code: fmt.Sprint(status), Reason: strings.TrimSpace(string(resp))}
	}
	return fmt.Errorf("%s: unexpected status %d", op, status)
}

func (c *smpClient) remove(ctx context.Context, op, target string) error {
	status, _, err := c.do(ctx, op, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("%s: unexpected status %d", op, status)
	}
	return nil
}

// do performs one request. Network failures and 5xx become transport errors.
func (c *smpClient) do(ctx context.Context, op, method, target string, body []byte) (int, []byte, error) {
	ctx, cancel := attemptTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, domainErrors.NewTransportError(op, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, domainErrors.NewTransportError(op, resp.StatusCode, err)
	}
	if resp.StatusCode >= 500 {
		return 0, nil, domainErrors.NewTransportError(op, resp.StatusCode, nil)
	}
	return resp.StatusCode, data, nil
}
