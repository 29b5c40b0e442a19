package binarydata

import "strings"

// IDSeparator splits the mode from the backend key in a stored identifier.
// Backend keys must never contain it.
const IDSeparator = ":"

// Ref is a decoded binary data identifier.
type Ref struct {
	Mode string
	Key  string
}

func (r Ref) String() string {
	return EncodeID(r.Mode, r.Key)
}

// EncodeID builds the "mode:backendKey" identifier.
func EncodeID(mode, backendKey string) string {
	return mode + IDSeparator + backendKey
}

// DecodeID splits an identifier on the first separator. An identifier
// without a separator yields an empty mode, which never matches a backend.
func DecodeID(identifier string) (mode, backendKey string) {
	mode, backendKey, ok := strings.Cut(identifier, IDSeparator)
	if !ok {
		return "", identifier
	}
	return mode, backendKey
}

func ParseRef(identifier string) Ref {
	mode, key := DecodeID(identifier)
	return Ref{Mode: mode, Key: key}
}
