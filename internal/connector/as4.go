package connector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

const (
	nsSOAP12 = "http://www.w3.org/2003/05/soap-envelope"
	nsEBMS   = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"

	roleInitiator = nsEBMS + "initiator"
	roleResponder = nsEBMS + "responder"

	peppolPartyType = "urn:fdc:peppol.eu:2017:identifiers:ap"
	peppolIDType    = "iso6523-actorid-upis"
)

var (
	errNoSignal       = errors.New("as4 response carries no signal message")
	errSignalMismatch = errors.New("as4 signal refers to another message")
)

// as4Message is one outbound ebMS3 user message carrying a single UBL payload.
type as4Message struct {
	MessageID      string
	ConversationID string
	FromParty      string
	ToParty        string
	Service        string
	ServiceType    string
	Action         string
	OriginalSender string
	FinalRecipient string
	Payload        []byte
	Timestamp      time.Time
}

// as4Signal is the synchronous answer of the receiving access point.
type as4Signal struct {
	MessageID      string
	RefToMessageID string
	Timestamp      time.Time
	Receipt        bool
	ErrorCode      string
	ErrorDetail    string
}

func newAS4MessageID() string {
	return uuid.NewString() + "@apgateway"
}

func payloadContentID(messageID string) string {
	return "payload-" + strings.TrimSuffix(messageID, "@apgateway") + "@apgateway"
}

// buildUserMessage creates the SOAP 1.2 envelope with the ebMS Messaging header.
func buildUserMessage(m as4Message) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("env:Envelope")
	env.CreateAttr("xmlns:env", nsSOAP12)
	env.CreateAttr("xmlns:eb", nsEBMS)

	messaging := env.CreateElement("env:Header").CreateElement("eb:Messaging")
	messaging.CreateAttr("env:mustUnderstand", "true")
	user := messaging.CreateElement("eb:UserMessage")

	info := user.CreateElement("eb:MessageInfo")
	info.CreateElement("eb:Timestamp").SetText(m.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
	info.CreateElement("eb:MessageId").SetText(m.MessageID)

	parties := user.CreateElement("eb:PartyInfo")
	from := parties.CreateElement("eb:From")
	fromID := from.CreateElement("eb:PartyId")
	fromID.CreateAttr("type", peppolPartyType)
	fromID.SetText(m.FromParty)
	from.CreateElement("eb:Role").SetText(roleInitiator)
	to := parties.CreateElement("eb:To")
	toID := to.CreateElement("eb:PartyId")
	toID.CreateAttr("type", peppolPartyType)
	toID.SetText(m.ToParty)
	to.CreateElement("eb:Role").SetText(roleResponder)

	collab := user.CreateElement("eb:CollaborationInfo")
	collab.CreateElement("eb:AgreementRef").SetText("urn:fdc:peppol.eu:2017:agreements:tia:ap_provider")
	svc := collab.CreateElement("eb:Service")
	if m.ServiceType != "" {
		svc.CreateAttr("type", m.ServiceType)
	}
	svc.SetText(m.Service)
	collab.CreateElement("eb:Action").SetText(m.Action)
	collab.CreateElement("eb:ConversationId").SetText(m.ConversationID)

	props := user.CreateElement("eb:MessageProperties")
	for _, p := range []struct{ name, value string }{
		{"originalSender", m.OriginalSender},
		{"finalRecipient", m.FinalRecipient},
	} {
		prop := props.CreateElement("eb:Property")
		prop.CreateAttr("name", p.name)
		prop.CreateAttr("type", peppolIDType)
		prop.SetText(p.value)
	}

	part := user.CreateElement("eb:PayloadInfo").CreateElement("eb:PartInfo")
	part.CreateAttr("href", "cid:"+payloadContentID(m.MessageID))
	mimeProp := part.CreateElement("eb:PartProperties").CreateElement("eb:Property")
	mimeProp.CreateAttr("name", "MimeType")
	mimeProp.SetText("application/xml")

	env.CreateElement("env:Body")
	return doc
}

// encodeAS4 serializes m as multipart/related with the envelope as root
// part and the UBL document as attachment.
func encodeAS4(m as4Message) ([]byte, string, error) {
	envelope, err := buildUserMessage(m).WriteToBytes()
	if err != nil {
		return nil, "", fmt.Errorf("encode envelope: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	root := make(textproto.MIMEHeader)
	root.Set("Content-Type", "application/soap+xml; charset=UTF-8")
	root.Set("Content-Transfer-Encoding", "binary")
	w, err := mw.CreatePart(root)
	if err != nil {
		return nil, "", err
	}
	if _, err := w.Write(envelope); err != nil {
		return nil, "", err
	}

	attachment := make(textproto.MIMEHeader)
	attachment.Set("Content-Type", "application/xml")
	attachment.Set("Content-ID", "<"+payloadContentID(m.MessageID)+">")
	attachment.Set("Content-Transfer-Encoding", "binary")
	if w, err = mw.CreatePart(attachment); err != nil {
		return nil, "", err
	}
	if _, err := w.Write(m.Payload); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	contentType := fmt.Sprintf(`multipart/related; boundary="%s"; type="application/soap+xml"`, mw.Boundary())
	return buf.Bytes(), contentType, nil
}

// decodeAS4Signal reads the SignalMessage from a plain SOAP or
// multipart/related response body.
func decodeAS4Signal(contentType string, body []byte) (*as4Signal, error) {
	envelope := body
	if mediaType, params, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		part, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).NextPart()
		if err != nil {
			return nil, fmt.Errorf("read signal part: %w", err)
		}
		if envelope, err = io.ReadAll(part); err != nil {
			return nil, fmt.Errorf("read signal part: %w", err)
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, fmt.Errorf("parse signal: %w", err)
	}

	if fault := doc.FindElement("//Fault"); fault != nil {
		reason := strings.TrimSpace(elementText(fault, ".//Reason/Text"))
		return &as4Signal{ErrorCode: "SOAP-Fault", ErrorDetail: firstNonEmpty(reason, "soap fault")}, nil
	}

	signal := doc.FindElement("//SignalMessage")
	if signal == nil {
		return nil, errNoSignal
	}

	out := &as4Signal{
		MessageID:      elementText(signal, "./MessageInfo/MessageId"),
		RefToMessageID: elementText(signal, "./MessageInfo/RefToMessageId"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, elementText(signal, "./MessageInfo/Timestamp")); err == nil {
		out.Timestamp = ts
	}

	if signal.FindElement("./Receipt") != nil {
		out.Receipt = true
		return out, nil
	}
	if e := signal.FindElement("./Error"); e != nil {
		out.ErrorCode = e.SelectAttrValue("errorCode", "")
		out.ErrorDetail = firstNonEmpty(
			strings.TrimSpace(elementText(e, "./ErrorDetail")),
			strings.TrimSpace(elementText(e, "./Description")),
			e.SelectAttrValue("shortDescription", ""),
			out.ErrorCode,
		)
		return out, nil
	}
	return nil, errNoSignal
}

func elementText(root *etree.Element, path string) string {
	if el := root.FindElement(path); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}
