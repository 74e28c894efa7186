package storagekey

import (
	"fmt"
	"strings"
)

// ReferenceModeKey composes the key of a backing store of entities with the
// key of a container store of references. Stores addressed by a
// ReferenceModeKey always run in reference mode.
//
// The canonical form embeds both children in braces, doubling any braces the
// children contain so reference keys can nest:
//
//	reference-mode://{<backing>}{<container>}
type ReferenceModeKey struct {
	Backing   StorageKey
	Container StorageKey
}

// NewReferenceModeKey builds a reference-mode key from its two children.
func NewReferenceModeKey(backing, container StorageKey) ReferenceModeKey {
	return ReferenceModeKey{Backing: backing, Container: container}
}

func (k ReferenceModeKey) Protocol() string { return ProtocolReferenceMode }

func (k ReferenceModeKey) String() string {
	var b strings.Builder
	b.WriteString(ProtocolReferenceMode)
	b.WriteString(separator)
	b.WriteByte('{')
	b.WriteString(embed(k.Backing.String()))
	b.WriteString("}{")
	b.WriteString(embed(k.Container.String()))
	b.WriteByte('}')
	return b.String()
}

var embedder = strings.NewReplacer("{", "{{", "}", "}}")

func embed(s string) string {
	return embedder.Replace(s)
}

func parseReferenceMode(full, rest string) (StorageKey, error) {
	backing, rest, err := readGroup(full, rest)
	if err != nil {
		return nil, err
	}
	container, rest, err := readGroup(full, rest)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w: %q has trailing characters", ErrInvalidKey, full)
	}

	backingKey, err := Parse(backing)
	if err != nil {
		return nil, fmt.Errorf("backing key: %w", err)
	}
	containerKey, err := Parse(container)
	if err != nil {
		return nil, fmt.Errorf("container key: %w", err)
	}
	return NewReferenceModeKey(backingKey, containerKey), nil
}

// readGroup consumes one "{...}" group from s, undoing brace doubling, and
// returns the decoded content and the remainder.
func readGroup(full, s string) (string, string, error) {
	if !strings.HasPrefix(s, "{") {
		return "", "", fmt.Errorf("%w: %q: expected '{'", ErrInvalidKey, full)
	}

	var content strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '{':
			if i+1 >= len(s) || s[i+1] != '{' {
				return "", "", fmt.Errorf("%w: %q: unescaped '{'", ErrInvalidKey, full)
			}
			content.WriteByte('{')
			i++
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				content.WriteByte('}')
				i++
				continue
			}
			if content.Len() == 0 {
				return "", "", fmt.Errorf("%w: %q: empty child key", ErrInvalidKey, full)
			}
			return content.String(), s[i+1:], nil
		default:
			content.WriteByte(s[i])
		}
	}
	return "", "", fmt.Errorf("%w: %q: unterminated '{'", ErrInvalidKey, full)
}
