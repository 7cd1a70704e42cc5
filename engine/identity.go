package engine

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// IDENTITY KEY - When two asset records are "the same item"
// =============================================================================

// IdentityKey is the merge identity of an asset record. Two records with
// equal keys hold stock of the same item in the same department.
// Always build keys with NewIdentityKey so every field is normalized.
type IdentityKey struct {
	Department DepartmentID
	Name       string
	Unit       string
	Size       string
}

func NewIdentityKey(dept DepartmentID, name, unit, size string) IdentityKey {
	return IdentityKey{
		Department: dept,
		Name:       Normalize(name),
		Unit:       Normalize(unit),
		Size:       Normalize(size),
	}
}

// Item drops the department, for grouping by item across departments.
func (k IdentityKey) Item() IdentityKey {
	k.Department = ""
	return k
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Department, k.Name, k.Unit, k.Size)
}

// Normalize trims, lowercases, strips diacritics and collapses internal
// whitespace. "  Thép  Ống " and "thep ong" normalize to the same value.
func Normalize(s string) string {
	// transform.Chain is stateful, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.Join(strings.Fields(out), " "))
}
