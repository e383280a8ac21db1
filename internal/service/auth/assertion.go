package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Assertion is the signed payload produced by the Telegram login widget.
// Fields the platform does not model are kept in Extra because they are part
// of the signed check string.
type Assertion struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  int64
	Hash      string
	Extra     map[string]string
}

// ParseAssertion builds an Assertion from raw widget fields. Integer fields must
// be in canonical decimal form so the check string is reproduced byte for byte.
func ParseAssertion(fields map[string]string) (Assertion, error) {
	a := Assertion{}
	for key, value := range fields {
		switch key {
		case "id":
			id, err := parseCanonicalInt(value)
			if err != nil {
				return Assertion{}, newError(KindMalformed, "id must be an integer")
			}
			a.ID = id
		case "auth_date":
			ts, err := parseCanonicalInt(value)
			if err != nil {
				return Assertion{}, newError(KindMalformed, "auth_date must be an integer")
			}
			a.AuthDate = ts
		case "first_name":
			a.FirstName = value
		case "last_name":
			a.LastName = value
		case "username":
			a.Username = value
		case "photo_url":
			a.PhotoURL = value
		case "hash":
			a.Hash = value
		default:
			if a.Extra == nil {
				a.Extra = make(map[string]string)
			}
			a.Extra[key] = value
		}
	}
	return a, nil
}

func parseCanonicalInt(value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if strconv.FormatInt(n, 10) != value {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// DataCheckString renders every present field except hash as key=value, sorted
// by key and joined with newlines.
func DataCheckString(a Assertion) string {
	fields := make(map[string]string, len(a.Extra)+6)
	for k, v := range a.Extra {
		if k != "hash" && v != "" {
			fields[k] = v
		}
	}
	fields["id"] = strconv.FormatInt(a.ID, 10)
	fields["auth_date"] = strconv.FormatInt(a.AuthDate, 10)
	if a.FirstName != "" {
		fields["first_name"] = a.FirstName
	}
	if a.LastName != "" {
		fields["last_name"] = a.LastName
	}
	if a.Username != "" {
		fields["username"] = a.Username
	}
	if a.PhotoURL != "" {
		fields["photo_url"] = a.PhotoURL
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fields[k])
	}
	return sb.String()
}

// ComputeHash returns the hex HMAC-SHA256 of checkString keyed with SHA-256 of the bot token.
func ComputeHash(botToken, checkString string) string {
	return hex.EncodeToString(signature(botToken, checkString))
}

func signature(botToken, checkString string) []byte {
	key := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(checkString))
	return mac.Sum(nil)
}

func validSignature(botToken string, a Assertion) bool {
	supplied, err := hex.DecodeString(a.Hash)
	if err != nil {
		return false
	}
	return hmac.Equal(supplied, signature(botToken, DataCheckString(a)))
}

func (a Assertion) malformed() *Error {
	switch {
	case a.ID <= 0:
		return newError(KindMalformed, "id is required")
	case strings.TrimSpace(a.FirstName) == "":
		return newError(KindMalformed, "first_name is required")
	case a.AuthDate <= 0:
		return newError(KindMalformed, "auth_date is required")
	case a.Hash == "":
		return newError(KindMalformed, "hash is required")
	case len(a.Hash) != sha256.Size*2:
		return newError(KindMalformed, "hash must be %d hex characters", sha256.Size*2)
	}
	for _, c := range a.Hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return newError(KindMalformed, "hash must be lowercase hex")
		}
	}
	return nil
}
