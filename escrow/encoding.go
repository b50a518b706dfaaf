package escrow

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/korean"
)

var ErrEncodingViolation = errors.New("value cannot be represented in EUC-KR")

const upperHex = "0123456789ABCDEF"

// PercentEncodeBytes writes every byte as %XX with uppercase hex, unreserved characters
// included. The merchant endpoint only decodes this form reliably.
func PercentEncodeBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		sb.WriteByte('%')
		sb.WriteByte(upperHex[c>>4])
		sb.WriteByte(upperHex[c&0x0F])
	}
	return sb.String()
}

// EncodeLegacy converts s to EUC-KR and percent-encodes every resulting byte. ASCII input
// comes out the same as PercentEncodeBytes of its UTF-8 bytes.
func EncodeLegacy(s string) (string, error) {
	b, err := korean.EUCKR.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrEncodingViolation, s, err)
	}
	return PercentEncodeBytes(b), nil
}

// DecodeLegacy reads an EUC-KR response body.
func DecodeLegacy(b []byte) (string, error) {
	out, err := korean.EUCKR.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode euc-kr response: %w", err)
	}
	return string(out), nil
}

// Sign is the request signature: hex(md5(mid + oid + dlvtype + rcvdate + merchantKey)).
func Sign(mid, oid, dlvtype, rcvdate, merchantKey string) string {
	sum := md5.Sum([]byte(mid + oid + dlvtype + rcvdate + merchantKey))
	return hex.EncodeToString(sum[:])
}
