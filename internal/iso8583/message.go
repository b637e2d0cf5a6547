// Package iso8583 implements the simplified ISO 8583 message model used by the
// simulator and its pipe-delimited text codec.
package iso8583

import (
	"sort"
	"time"
)

// MTIWidth is the fixed width of a message type indicator.
const MTIWidth = 4

// Known message type indicators.
const (
	MTIAuthorizationRequest  = "0200"
	MTIAuthorizationResponse = "0210"
	MTINetworkRequest        = "0800"
	MTINetworkResponse       = "0810"
)

// Response codes carried in field 39.
const (
	ResponseApproved    = "00"
	ResponseFormatError = "30"
)

// Field numbers the simulator reads or writes.
const (
	FieldPAN                   = 2
	FieldProcessingCode        = 3
	FieldAmount                = 4
	FieldTransmissionTime      = 7
	FieldSTAN                  = 11
	FieldLocalTime             = 12
	FieldLocalDate             = 13
	FieldMerchantType          = 18
	FieldPOSEntryMode          = 22
	FieldPOSConditionCode      = 25
	FieldRRN                   = 37
	FieldApprovalCode          = 38
	FieldResponseCode          = 39
	FieldTerminalID            = 41
	FieldCardAcceptorID        = 42
	FieldCurrencyCode          = 49
	FieldNetworkManagementCode = 70
)

// TransmissionTimeLayout formats field 7 (MMddHHmmss).
const TransmissionTimeLayout = "0102150405"

// TransmissionTime renders t in the field 7 layout.
func TransmissionTime(t time.Time) string {
	return t.Format(TransmissionTimeLayout)
}

// Message is one protocol message: an MTI plus a set of numbered fields.
//
// A Message is built by a single producer and must not be mutated once it
// has been handed to a transport.
type Message struct {
	MTI    string
	fields map[int]string
}

// NewMessage creates an empty message with the given MTI.
func NewMessage(mti string) *Message {
	return &Message{MTI: mti, fields: make(map[int]string)}
}

// Set stores a field value, replacing any previous value, and returns the
// message so builders can chain calls.
func (m *Message) Set(field int, value string) *Message {
	if m.fields == nil {
		m.fields = make(map[int]string)
	}
	m.fields[field] = value
	return m
}

// Field returns the value of a field and whether it is present.
func (m *Message) Field(field int) (string, bool) {
	v, ok := m.fields[field]
	return v, ok
}

// Get returns the value of a field or "" when absent.
func (m *Message) Get(field int) string {
	return m.fields[field]
}

// Has reports whether the field is present.
func (m *Message) Has(field int) bool {
	_, ok := m.fields[field]
	return ok
}

// Remove deletes a field.
func (m *Message) Remove(field int) {
	delete(m.fields, field)
}

// Len returns the number of fields.
func (m *Message) Len() int {
	return len(m.fields)
}

// FieldNumbers returns the present field numbers in ascending order.
func (m *Message) FieldNumbers() []int {
	nums := make([]int, 0, len(m.fields))
	for n := range m.fields {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Fields returns a copy of the field map.
func (m *Message) Fields() map[int]string {
	out := make(map[int]string, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	return &Message{MTI: m.MTI, fields: m.Fields()}
}

// CopyFields copies the listed fields from src when present.
func (m *Message) CopyFields(src *Message, fields ...int) *Message {
	for _, f := range fields {
		if v, ok := src.Field(f); ok {
			m.Set(f, v)
		}
	}
	return m
}

// String returns the wire form of the message.
func (m *Message) String() string {
	return Serialize(m)
}
