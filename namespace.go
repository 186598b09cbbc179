package mqttclient

import (
	"errors"
	"strconv"
	"strings"
)

// namespaceDelimiter separates the client namespace from the record key in
// flat key spaces used by store backends.
const namespaceDelimiter = "||"

// ErrNamespaceEmpty is returned for an empty namespace.
var ErrNamespaceEmpty = errors.New("namespace cannot be empty")

// ValidateNamespace checks that a namespace can be combined into a flat key.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return ErrNamespaceEmpty
	}
	return nil
}

// NamespaceKey creates a composite key from namespace and key.
func NamespaceKey(namespace, key string) string {
	return NamespacePrefix(namespace) + key
}

// NamespacePrefix returns the prefix shared by every composite key of
// namespace. The namespace is length-prefixed, so no prefix of one
// namespace is a prefix of another's keys.
func NamespacePrefix(namespace string) string {
	return strconv.Itoa(len(namespace)) + ":" + namespace + namespaceDelimiter
}

// ParseNamespaceKey splits a composite key into namespace and key. A string
// that is not a composite key is returned as the key.
func ParseNamespaceKey(composite string) (namespace, key string) {
	size, rest, ok := strings.Cut(composite, ":")
	if !ok {
		return "", composite
	}
	n, err := strconv.Atoi(size)
	if err != nil || n < 0 || n > len(rest) {
		return "", composite
	}
	key, ok = strings.CutPrefix(rest[n:], namespaceDelimiter)
	if !ok {
		return "", composite
	}
	return rest[:n], key
}
