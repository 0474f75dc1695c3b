package proto

import (
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// Packet builds the full LDAPMessage envelope for this message.
func (m *Message) Packet() *ber.Packet {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, m.ID, "Message ID"))
	envelope.AppendChild(m.Op.packet())
	return envelope
}

// Bytes serializes the message to its BER octets.
func (m *Message) Bytes() []byte {
	return m.Packet().Bytes()
}

// WriteMessage writes one serialized message to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Bytes())
	return err
}

func (r *BindRequest) packet() *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationBindRequest, nil, "Bind Request")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, r.Version, "Version"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Name, "Bind DN"))
	p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Password, "Password"))
	return p
}

func (r *BindResponse) packet() *ber.Packet {
	return resultPacket(ApplicationBindResponse, "Bind Response", r.Result)
}

func (r *UnbindRequest) packet() *ber.Packet {
	return ber.Encode(ber.ClassApplication, ber.TypePrimitive, ApplicationUnbindRequest, nil, "Unbind Request")
}

func (r *SearchRequest) packet() *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchRequest, nil, "Search Request")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.BaseDN, "Base DN"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, r.Scope, "Scope"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, r.DerefAliases, "Deref Aliases"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, r.SizeLimit, "Size Limit"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, r.TimeLimit, "Time Limit"))
	p.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, r.TypesOnly, "Types Only"))
	p.AppendChild(r.Filter.Packet())
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, attr := range r.Attributes {
		attrs.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr, "Attribute"))
	}
	p.AppendChild(attrs)
	return p
}

func (r *SearchResultEntry) packet() *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchResultEntry, nil, "Search Result Entry")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.DN, "Object Name"))
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, attr := range r.Attributes {
		seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
		seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr.Name, "Type"))
		set := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
		for _, value := range attr.Values {
			set.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, value, "Value"))
		}
		seq.AppendChild(set)
		attrs.AppendChild(seq)
	}
	p.AppendChild(attrs)
	return p
}

func (r *SearchResultDone) packet() *ber.Packet {
	return resultPacket(ApplicationSearchResultDone, "Search Result Done", r.Result)
}

func (r *AbandonRequest) packet() *ber.Packet {
	return ber.NewInteger(ber.ClassApplication, ber.TypePrimitive, ApplicationAbandonRequest, r.MessageID, "Abandon Request")
}

func (r *ExtendedRequest) packet() *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationExtendedRequest, nil, "Extended Request")
	p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Name, "Request Name"))
	if r.Value != nil {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, string(r.Value), "Request Value"))
	}
	return p
}

func (r *ExtendedResponse) packet() *ber.Packet {
	p := resultPacket(ApplicationExtendedResponse, "Extended Response", r.Result)
	if r.Name != "" {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, r.Name, "Response Name"))
	}
	if r.Value != nil {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, string(r.Value), "Response Value"))
	}
	return p
}

func resultPacket(tag ber.Tag, desc string, r Result) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, desc)
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(r.Code), "Result Code"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.MatchedDN, "Matched DN"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Diagnostic, "Diagnostic Message"))
	return p
}
