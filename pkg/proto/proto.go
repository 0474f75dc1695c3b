// Package proto implements the subset of the RFC 4511 wire protocol this
// server speaks: Bind, Unbind, Search, Abandon and Extended operations,
// encoded with definite-length BER.
package proto

import (
	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/oluso/ldapbridge/pkg/filter"
)

// RFC 4511 application tags.
const (
	ApplicationBindRequest       ber.Tag = 0
	ApplicationBindResponse      ber.Tag = 1
	ApplicationUnbindRequest     ber.Tag = 2
	ApplicationSearchRequest     ber.Tag = 3
	ApplicationSearchResultEntry ber.Tag = 4
	ApplicationSearchResultDone  ber.Tag = 5
	ApplicationAbandonRequest    ber.Tag = 16
	ApplicationExtendedRequest   ber.Tag = 23
	ApplicationExtendedResponse  ber.Tag = 24
)

// StartTLSOID is the only extended operation this server implements.
const StartTLSOID = "1.3.6.1.4.1.1466.20037"

// Search scopes.
const (
	ScopeBaseObject   int64 = 0
	ScopeSingleLevel  int64 = 1
	ScopeWholeSubtree int64 = 2
)

// Message is one decoded LDAPMessage envelope.
type Message struct {
	ID int64
	Op Operation
}

// Operation is one of the closed set of PDU bodies below.
type Operation interface {
	packet() *ber.Packet
}

// Result is the LDAPResult triple shared by every response PDU.
type Result struct {
	Code       ResultCode
	MatchedDN  string
	Diagnostic string
}

type BindRequest struct {
	Version  int64
	Name     string
	Password string
}

type BindResponse struct {
	Result
}

type UnbindRequest struct{}

type SearchRequest struct {
	BaseDN       string
	Scope        int64
	DerefAliases int64
	SizeLimit    int64
	TimeLimit    int64
	TypesOnly    bool
	Filter       filter.Filter
	Attributes   []string
}

// Attribute is one attribute of a SearchResultEntry.
type Attribute struct {
	Name   string
	Values []string
}

type SearchResultEntry struct {
	DN         string
	Attributes []Attribute
}

type SearchResultDone struct {
	Result
}

type AbandonRequest struct {
	MessageID int64
}

type ExtendedRequest struct {
	Name  string
	Value []byte
}

type ExtendedResponse struct {
	Result
	Name  string
	Value []byte
}
