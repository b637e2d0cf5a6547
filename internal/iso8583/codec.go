package iso8583

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	segmentSeparator  = "|"
	keyValueSeparator = "="
	mtiKey            = "MTI"
	fieldKeyPrefix    = "F"
)

// MalformedMessageError describes one decode anomaly. Anomalies are never
// fatal: the offending segment is skipped and decoding continues.
type MalformedMessageError struct {
	Segment string
	Reason  string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("iso8583: malformed segment %q: %s", e.Segment, e.Reason)
}

// Decode converts wire text into a Message and returns every anomaly found
// along the way.
//
// Input shorter than the MTI width decodes to a Message with an empty MTI and
// no fields. Segments without exactly one '=' and keys that are not
// non-negative integers are skipped. Keys may be bare ("11") or prefixed
// ("F11"). A leading "MTI=<code>" token is accepted when the message does not
// start with a 4-digit MTI.
func Decode(wire string) (*Message, []*MalformedMessageError) {
	msg := NewMessage("")
	var anomalies []*MalformedMessageError

	if len(wire) < MTIWidth {
		anomalies = append(anomalies, &MalformedMessageError{
			Segment: wire,
			Reason:  "shorter than MTI width",
		})
		return msg, anomalies
	}

	segments := strings.Split(wire, segmentSeparator)

	if !isDigits(wire[:MTIWidth]) && strings.HasPrefix(segments[0], mtiKey+keyValueSeparator) {
		msg.MTI = strings.TrimPrefix(segments[0], mtiKey+keyValueSeparator)
	} else {
		msg.MTI = wire[:MTIWidth]
	}

	for _, segment := range segments[1:] {
		if strings.Count(segment, keyValueSeparator) != 1 {
			anomalies = append(anomalies, &MalformedMessageError{
				Segment: segment,
				Reason:  "expected exactly one '='",
			})
			continue
		}

		key, value, _ := strings.Cut(segment, keyValueSeparator)
		field, ok := parseFieldKey(key)
		if !ok {
			anomalies = append(anomalies, &MalformedMessageError{
				Segment: segment,
				Reason:  "field number is not a non-negative integer",
			})
			continue
		}
		msg.Set(field, value)
	}

	return msg, anomalies
}

// Parse decodes wire text and logs any anomalies at WARN.
func Parse(wire string) *Message {
	msg, anomalies := Decode(wire)
	for _, a := range anomalies {
		slog.Warn("[Codec] Skipped malformed segment", "segment", a.Segment, "reason", a.Reason)
	}
	return msg
}

// Serialize renders a message as MTI followed by |n=value for every field in
// ascending field order.
//
// Values containing '|' or '=' are not supported: they collide with the
// delimiters and will not survive a round trip.
func Serialize(m *Message) string {
	var b strings.Builder
	b.WriteString(m.MTI)
	for _, n := range m.FieldNumbers() {
		b.WriteString(segmentSeparator)
		b.WriteString(strconv.Itoa(n))
		b.WriteString(keyValueSeparator)
		b.WriteString(m.fields[n])
	}
	return b.String()
}

func parseFieldKey(key string) (int, bool) {
	key = strings.TrimPrefix(key, fieldKeyPrefix)
	if !isDigits(key) {
		return 0, false
	}
	n, err := strconv.Atoi(key)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
