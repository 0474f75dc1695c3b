package filter

import (
	"fmt"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// Context-specific tags of the RFC 4511 Filter CHOICE.
const (
	TagAnd            = 0
	TagOr             = 1
	TagNot            = 2
	TagEquality       = 3
	TagSubstrings     = 4
	TagGreaterOrEqual = 5
	TagLessOrEqual    = 6
	TagPresent        = 7
)

// Substring component tags.
const (
	tagSubInitial = 0
	tagSubAny     = 1
	tagSubFinal   = 2
)

// Filter is one node of a parsed search filter. Matching is case-insensitive
// on attribute names and values; an attribute absent from the entry never
// produces an error, only a non-match.
type Filter interface {
	// Matches evaluates the filter against an entry's attribute set.
	Matches(attrs map[string][]string) bool
	// Packet re-encodes the filter into its wire form.
	Packet() *ber.Packet
	// String renders the RFC 4515 text form, for logs.
	String() string
}

type And struct {
	Operands []Filter
}

type Or struct {
	Operands []Filter
}

type Not struct {
	Operand Filter
}

type Equality struct {
	Attribute string
	Value     string
}

type Substrings struct {
	Attribute string
	Initial   string
	Any       []string
	Final     string
}

type GreaterOrEqual struct {
	Attribute string
	Value     string
}

type LessOrEqual struct {
	Attribute string
	Value     string
}

type Present struct {
	Attribute string
}

// Parse turns the filter sub-packet of a SearchRequest into a Filter tree.
func Parse(p *ber.Packet) (Filter, error) {
	if p == nil {
		return nil, fmt.Errorf("empty filter")
	}
	if p.ClassType != ber.ClassContext {
		return nil, fmt.Errorf("unexpected filter class %d", p.ClassType)
	}

	switch p.Tag {
	case TagAnd, TagOr:
		if len(p.Children) == 0 {
			return nil, fmt.Errorf("empty filter set")
		}
		operands := make([]Filter, 0, len(p.Children))
		for _, child := range p.Children {
			f, err := Parse(child)
			if err != nil {
				return nil, err
			}
			operands = append(operands, f)
		}
		if p.Tag == TagAnd {
			return &And{Operands: operands}, nil
		}
		return &Or{Operands: operands}, nil

	case TagNot:
		if len(p.Children) != 1 {
			return nil, fmt.Errorf("not-filter wants one operand, got %d", len(p.Children))
		}
		f, err := Parse(p.Children[0])
		if err != nil {
			return nil, err
		}
		return &Not{Operand: f}, nil

	case TagEquality, TagGreaterOrEqual, TagLessOrEqual:
		attr, value, err := parseAssertion(p)
		if err != nil {
			return nil, err
		}
		switch p.Tag {
		case TagEquality:
			return &Equality{Attribute: attr, Value: value}, nil
		case TagGreaterOrEqual:
			return &GreaterOrEqual{Attribute: attr, Value: value}, nil
		default:
			return &LessOrEqual{Attribute: attr, Value: value}, nil
		}

	case TagSubstrings:
		return parseSubstrings(p)

	case TagPresent:
		attr := string(p.Data.Bytes())
		if attr == "" {
			return nil, fmt.Errorf("present-filter without attribute")
		}
		return &Present{Attribute: attr}, nil
	}

	return nil, fmt.Errorf("unsupported filter tag %d", p.Tag)
}

func parseAssertion(p *ber.Packet) (string, string, error) {
	if len(p.Children) != 2 {
		return "", "", fmt.Errorf("attribute assertion wants two fields, got %d", len(p.Children))
	}
	attr := string(p.Children[0].Data.Bytes())
	value := string(p.Children[1].Data.Bytes())
	if attr == "" {
		return "", "", fmt.Errorf("attribute assertion without attribute")
	}
	return attr, value, nil
}

func parseSubstrings(p *ber.Packet) (Filter, error) {
	if len(p.Children) != 2 {
		return nil, fmt.Errorf("substring filter wants two fields, got %d", len(p.Children))
	}
	f := &Substrings{Attribute: string(p.Children[0].Data.Bytes())}
	if f.Attribute == "" {
		return nil, fmt.Errorf("substring filter without attribute")
	}
	seq := p.Children[1]
	if len(seq.Children) == 0 {
		return nil, fmt.Errorf("substring filter without components")
	}
	for i, sub := range seq.Children {
		value := string(sub.Data.Bytes())
		switch sub.Tag {
		case tagSubInitial:
			if i != 0 {
				return nil, fmt.Errorf("substring initial component out of place")
			}
			f.Initial = value
		case tagSubAny:
			f.Any = append(f.Any, value)
		case tagSubFinal:
			if i != len(seq.Children)-1 {
				return nil, fmt.Errorf("substring final component out of place")
			}
			f.Final = value
		default:
			return nil, fmt.Errorf("unsupported substring component tag %d", sub.Tag)
		}
	}
	return f, nil
}

// lookup finds an attribute's values regardless of name casing.
func lookup(attrs map[string][]string, name string) ([]string, bool) {
	if values, ok := attrs[name]; ok {
		return values, true
	}
	for k, values := range attrs {
		if strings.EqualFold(k, name) {
			return values, true
		}
	}
	return nil, false
}

func (f *And) Matches(attrs map[string][]string) bool {
	for _, op := range f.Operands {
		if !op.Matches(attrs) {
			return false
		}
	}
	return true
}

func (f *Or) Matches(attrs map[string][]string) bool {
	for _, op := range f.Operands {
		if op.Matches(attrs) {
			return true
		}
	}
	return false
}

func (f *Not) Matches(attrs map[string][]string) bool {
	return !f.Operand.Matches(attrs)
}

func (f *Equality) Matches(attrs map[string][]string) bool {
	values, ok := lookup(attrs, f.Attribute)
	if !ok {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(v, f.Value) {
			return true
		}
	}
	return false
}

func (f *Substrings) Matches(attrs map[string][]string) bool {
	values, ok := lookup(attrs, f.Attribute)
	if !ok {
		return false
	}
	for _, v := range values {
		if f.matchValue(strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func (f *Substrings) matchValue(v string) bool {
	if initial := strings.ToLower(f.Initial); initial != "" {
		if !strings.HasPrefix(v, initial) {
			return false
		}
		v = v[len(initial):]
	}

	if final := strings.ToLower(f.Final); final != "" {
		if !strings.HasSuffix(v, final) {
			return false
		}
		v = v[:len(v)-len(final)]
	}

	// any-components must appear in order in what is left
	for _, any := range f.Any {
		lowered := strings.ToLower(any)
		idx := strings.Index(v, lowered)
		if idx < 0 {
			return false
		}
		v = v[idx+len(lowered):]
	}
	return true
}

func (f *GreaterOrEqual) Matches(attrs map[string][]string) bool {
	values, ok := lookup(attrs, f.Attribute)
	if !ok {
		return false
	}
	for _, v := range values {
		if strings.ToLower(v) >= strings.ToLower(f.Value) {
			return true
		}
	}
	return false
}

func (f *LessOrEqual) Matches(attrs map[string][]string) bool {
	values, ok := lookup(attrs, f.Attribute)
	if !ok {
		return false
	}
	for _, v := range values {
		if strings.ToLower(v) <= strings.ToLower(f.Value) {
			return true
		}
	}
	return false
}

func (f *Present) Matches(attrs map[string][]string) bool {
	_, ok := lookup(attrs, f.Attribute)
	return ok
}

func (f *And) Packet() *ber.Packet {
	return setPacket(TagAnd, "And", f.Operands)
}

func (f *Or) Packet() *ber.Packet {
	return setPacket(TagOr, "Or", f.Operands)
}

func (f *Not) Packet() *ber.Packet {
	p := ber.Encode(ber.ClassContext, ber.TypeConstructed, TagNot, nil, "Not")
	p.AppendChild(f.Operand.Packet())
	return p
}

func (f *Equality) Packet() *ber.Packet {
	return assertionPacket(TagEquality, "Equality Match", f.Attribute, f.Value)
}

func (f *Substrings) Packet() *ber.Packet {
	p := ber.Encode(ber.ClassContext, ber.TypeConstructed, TagSubstrings, nil, "Substrings")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, f.Attribute, "Attribute"))
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Substrings")
	if f.Initial != "" {
		seq.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, tagSubInitial, f.Initial, "Initial"))
	}
	for _, any := range f.Any {
		seq.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, tagSubAny, any, "Any"))
	}
	if f.Final != "" {
		seq.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, tagSubFinal, f.Final, "Final"))
	}
	p.AppendChild(seq)
	return p
}

func (f *GreaterOrEqual) Packet() *ber.Packet {
	return assertionPacket(TagGreaterOrEqual, "Greater Or Equal", f.Attribute, f.Value)
}

func (f *LessOrEqual) Packet() *ber.Packet {
	return assertionPacket(TagLessOrEqual, "Less Or Equal", f.Attribute, f.Value)
}

func (f *Present) Packet() *ber.Packet {
	return ber.NewString(ber.ClassContext, ber.TypePrimitive, TagPresent, f.Attribute, "Present")
}

func setPacket(tag ber.Tag, desc string, operands []Filter) *ber.Packet {
	p := ber.Encode(ber.ClassContext, ber.TypeConstructed, tag, nil, desc)
	for _, op := range operands {
		p.AppendChild(op.Packet())
	}
	return p
}

func assertionPacket(tag ber.Tag, desc, attr, value string) *ber.Packet {
	p := ber.Encode(ber.ClassContext, ber.TypeConstructed, tag, nil, desc)
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr, "Attribute"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, value, "Value"))
	return p
}

func (f *And) String() string {
	return setString("&", f.Operands)
}

func (f *Or) String() string {
	return setString("|", f.Operands)
}

func (f *Not) String() string {
	return "(!" + f.Operand.String() + ")"
}

func (f *Equality) String() string {
	return "(" + f.Attribute + "=" + f.Value + ")"
}

func (f *Substrings) String() string {
	parts := append([]string{f.Initial}, f.Any...)
	parts = append(parts, f.Final)
	return "(" + f.Attribute + "=" + strings.Join(parts, "*") + ")"
}

func (f *GreaterOrEqual) String() string {
	return "(" + f.Attribute + ">=" + f.Value + ")"
}

func (f *LessOrEqual) String() string {
	return "(" + f.Attribute + "<=" + f.Value + ")"
}

func (f *Present) String() string {
	return "(" + f.Attribute + "=*)"
}

func setString(op string, operands []Filter) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(op)
	for _, operand := range operands {
		b.WriteString(operand.String())
	}
	b.WriteString(")")
	return b.String()
}
