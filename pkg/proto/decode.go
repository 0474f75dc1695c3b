package proto

import (
	"fmt"
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/oluso/ldapbridge/pkg/filter"
)

// ReadMessage reads one BER frame off r and decodes it. Framing errors and
// unsupported operations come back as errors; a corrupt frame must never
// take down the caller.
func ReadMessage(r io.Reader) (msg *Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			msg, err = nil, fmt.Errorf("malformed frame: %v", rec)
		}
	}()

	p, err := ber.ReadPacket(r)
	if err != nil {
		return nil, err
	}
	return Decode(p)
}

// DecodeBytes decodes one message from raw octets.
func DecodeBytes(data []byte) (msg *Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			msg, err = nil, fmt.Errorf("malformed frame: %v", rec)
		}
	}()

	p, err := ber.DecodePacketErr(data)
	if err != nil {
		return nil, err
	}
	return Decode(p)
}

// Decode turns a parsed envelope packet into a Message.
func Decode(p *ber.Packet) (*Message, error) {
	if p == nil {
		return nil, fmt.Errorf("empty packet")
	}
	if p.ClassType != ber.ClassUniversal || p.TagType != ber.TypeConstructed || p.Tag != ber.TagSequence {
		return nil, fmt.Errorf("envelope is not a sequence")
	}
	if len(p.Children) < 2 {
		return nil, fmt.Errorf("envelope wants message id and operation, got %d children", len(p.Children))
	}

	id, err := parseInt(p.Children[0])
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	body := p.Children[1]
	if body.ClassType != ber.ClassApplication {
		return nil, fmt.Errorf("operation is not application-class")
	}

	var op Operation
	switch body.Tag {
	case ApplicationBindRequest:
		op, err = decodeBindRequest(body)
	case ApplicationBindResponse:
		op, err = decodeBindResponse(body)
	case ApplicationUnbindRequest:
		op = &UnbindRequest{}
	case ApplicationSearchRequest:
		op, err = decodeSearchRequest(body)
	case ApplicationSearchResultEntry:
		op, err = decodeSearchResultEntry(body)
	case ApplicationSearchResultDone:
		op, err = decodeSearchResultDone(body)
	case ApplicationAbandonRequest:
		op, err = decodeAbandonRequest(body)
	case ApplicationExtendedRequest:
		op, err = decodeExtendedRequest(body)
	case ApplicationExtendedResponse:
		op, err = decodeExtendedResponse(body)
	default:
		return nil, fmt.Errorf("unsupported operation tag %d", body.Tag)
	}
	if err != nil {
		return nil, err
	}

	return &Message{ID: id, Op: op}, nil
}

func decodeBindRequest(p *ber.Packet) (*BindRequest, error) {
	if len(p.Children) != 3 {
		return nil, fmt.Errorf("bind request wants three fields, got %d", len(p.Children))
	}
	version, err := parseInt(p.Children[0])
	if err != nil {
		return nil, fmt.Errorf("bind version: %w", err)
	}
	auth := p.Children[2]
	if auth.ClassType != ber.ClassContext || auth.Tag != 0 {
		// only simple bind; SASL is tag 3
		return nil, fmt.Errorf("unsupported authentication choice %d", auth.Tag)
	}
	return &BindRequest{
		Version:  version,
		Name:     string(p.Children[1].Data.Bytes()),
		Password: string(auth.Data.Bytes()),
	}, nil
}

func decodeBindResponse(p *ber.Packet) (*BindResponse, error) {
	result, err := parseResult(p)
	if err != nil {
		return nil, err
	}
	return &BindResponse{Result: result}, nil
}

func decodeSearchRequest(p *ber.Packet) (*SearchRequest, error) {
	if len(p.Children) < 8 {
		return nil, fmt.Errorf("search request wants eight fields, got %d", len(p.Children))
	}
	scope, err := parseInt(p.Children[1])
	if err != nil {
		return nil, fmt.Errorf("search scope: %w", err)
	}
	deref, err := parseInt(p.Children[2])
	if err != nil {
		return nil, fmt.Errorf("deref aliases: %w", err)
	}
	sizeLimit, err := parseInt(p.Children[3])
	if err != nil {
		return nil, fmt.Errorf("size limit: %w", err)
	}
	timeLimit, err := parseInt(p.Children[4])
	if err != nil {
		return nil, fmt.Errorf("time limit: %w", err)
	}
	typesOnly, err := parseBool(p.Children[5])
	if err != nil {
		return nil, fmt.Errorf("types only: %w", err)
	}
	f, err := filter.Parse(p.Children[6])
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	attrs := []string{}
	for _, child := range p.Children[7].Children {
		attrs = append(attrs, string(child.Data.Bytes()))
	}
	return &SearchRequest{
		BaseDN:       string(p.Children[0].Data.Bytes()),
		Scope:        scope,
		DerefAliases: deref,
		SizeLimit:    sizeLimit,
		TimeLimit:    timeLimit,
		TypesOnly:    typesOnly,
		Filter:       f,
		Attributes:   attrs,
	}, nil
}

func decodeSearchResultEntry(p *ber.Packet) (*SearchResultEntry, error) {
	if len(p.Children) != 2 {
		return nil, fmt.Errorf("search entry wants two fields, got %d", len(p.Children))
	}
	entry := &SearchResultEntry{
		DN:         string(p.Children[0].Data.Bytes()),
		Attributes: []Attribute{},
	}
	for _, seq := range p.Children[1].Children {
		if len(seq.Children) != 2 {
			return nil, fmt.Errorf("entry attribute wants type and values")
		}
		attr := Attribute{Name: string(seq.Children[0].Data.Bytes()), Values: []string{}}
		for _, value := range seq.Children[1].Children {
			attr.Values = append(attr.Values, string(value.Data.Bytes()))
		}
		entry.Attributes = append(entry.Attributes, attr)
	}
	return entry, nil
}

func decodeSearchResultDone(p *ber.Packet) (*SearchResultDone, error) {
	result, err := parseResult(p)
	if err != nil {
		return nil, err
	}
	return &SearchResultDone{Result: result}, nil
}

func decodeAbandonRequest(p *ber.Packet) (*AbandonRequest, error) {
	id, err := ber.ParseInt64(p.Data.Bytes())
	if err != nil {
		return nil, fmt.Errorf("abandoned message id: %w", err)
	}
	return &AbandonRequest{MessageID: id}, nil
}

func decodeExtendedRequest(p *ber.Packet) (*ExtendedRequest, error) {
	if len(p.Children) < 1 {
		return nil, fmt.Errorf("extended request wants a name")
	}
	if p.Children[0].ClassType != ber.ClassContext || p.Children[0].Tag != 0 {
		return nil, fmt.Errorf("extended request name has wrong tag")
	}
	req := &ExtendedRequest{Name: string(p.Children[0].Data.Bytes())}
	if len(p.Children) > 1 && p.Children[1].Tag == 1 {
		req.Value = p.Children[1].Data.Bytes()
	}
	return req, nil
}

func decodeExtendedResponse(p *ber.Packet) (*ExtendedResponse, error) {
	result, err := parseResult(p)
	if err != nil {
		return nil, err
	}
	resp := &ExtendedResponse{Result: result}
	for _, child := range p.Children[3:] {
		if child.ClassType != ber.ClassContext {
			continue
		}
		switch child.Tag {
		case 10:
			resp.Name = string(child.Data.Bytes())
		case 11:
			resp.Value = child.Data.Bytes()
		}
	}
	return resp, nil
}

func parseResult(p *ber.Packet) (Result, error) {
	if len(p.Children) < 3 {
		return Result{}, fmt.Errorf("result wants three fields, got %d", len(p.Children))
	}
	code, err := parseInt(p.Children[0])
	if err != nil {
		return Result{}, fmt.Errorf("result code: %w", err)
	}
	return Result{
		Code:       ResultCode(code),
		MatchedDN:  string(p.Children[1].Data.Bytes()),
		Diagnostic: string(p.Children[2].Data.Bytes()),
	}, nil
}

func parseInt(p *ber.Packet) (int64, error) {
	if v, ok := p.Value.(int64); ok {
		return v, nil
	}
	return ber.ParseInt64(p.Data.Bytes())
}

func parseBool(p *ber.Packet) (bool, error) {
	if v, ok := p.Value.(bool); ok {
		return v, nil
	}
	data := p.Data.Bytes()
	if len(data) != 1 {
		return false, fmt.Errorf("boolean wants one octet, got %d", len(data))
	}
	return data[0] != 0, nil
}
