package db

import "strings"

// NameSource records where a conversation's contact name came from.
type NameSource string

// Name sources, lowest precedence first.
const (
	NameSourcePhone         NameSource = "phone"
	NameSourceProvider      NameSource = "provider"
	NameSourceAuthoritative NameSource = "authoritative"
)

func (s NameSource) rank() int {
	switch s {
	case NameSourcePhone:
		return 1
	case NameSourceProvider:
		return 2
	case NameSourceAuthoritative:
		return 3
	}
	return 0
}

// NameCandidate is a contact name offered for a conversation.
type NameCandidate struct {
	Name   string
	Source NameSource
}

// ResolveContactName decides whether candidate replaces the stored name.
// A higher source always wins; a same-source candidate refreshes a provider or
// authoritative name; a lower source never overwrites.
func ResolveContactName(currentName string, currentSource NameSource, candidate NameCandidate) (string, NameSource, bool) {
	name := strings.TrimSpace(candidate.Name)
	if name == "" || candidate.Source.rank() == 0 {
		return currentName, currentSource, false
	}

	switch {
	case candidate.Source.rank() > currentSource.rank():
		return name, candidate.Source, true
	case candidate.Source == currentSource && candidate.Source != NameSourcePhone && name != currentName:
		return name, candidate.Source, true
	}
	return currentName, currentSource, false
}
