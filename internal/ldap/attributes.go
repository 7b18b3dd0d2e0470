package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Active Directory binary attributes decoded to printable form in raw
// attribute bags.
const (
	AttrObjectSID  = "objectSid"
	AttrObjectGUID = "objectGUID"
)

// RawAttributes returns the entry's attributes as strings. objectSid and
// objectGUID values are decoded from their binary form; values that fail to
// decode are kept as the raw string.
func RawAttributes(entry *ldap.Entry) map[string][]string {
	if entry == nil {
		return nil
	}

	attrs := make(map[string][]string, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		var values []string

		switch {
		case strings.EqualFold(attr.Name, AttrObjectSID):
			values = decodeValues(attr, DecodeSID)
		case strings.EqualFold(attr.Name, AttrObjectGUID):
			values = decodeValues(attr, DecodeGUID)
		default:
			values = append([]string(nil), attr.Values...)
		}

		attrs[attr.Name] = values
	}

	return attrs
}

func decodeValues(attr *ldap.EntryAttribute, decode func([]byte) (string, error)) []string {
	values := make([]string, 0, len(attr.ByteValues))
	for i, raw := range attr.ByteValues {
		s, err := decode(raw)
		if err != nil {
			if i < len(attr.Values) {
				s = attr.Values[i]
			} else {
				s = string(raw)
			}
		}
		values = append(values, s)
	}
	return values
}

// DecodeSID converts a binary objectSid to its S-1-5-21-... string form.
func DecodeSID(b []byte) (string, error) {
	if len(b) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(b))
	}

	if want := 8 + 4*int(b[1]); len(b) < want {
		return "", fmt.Errorf("binary SID truncated: %d sub-authorities need %d bytes, have %d", b[1], want, len(b))
	}

	return objectsid.Decode(b).String(), nil
}

// DecodeGUID converts a binary objectGUID to its canonical string form.
// Active Directory stores the first three groups little-endian.
func DecodeGUID(b []byte) (string, error) {
	if len(b) != 16 {
		return "", fmt.Errorf("binary GUID must be 16 bytes, got %d", len(b))
	}

	ordered := []byte{
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15],
	}

	id, err := uuid.FromBytes(ordered)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}
