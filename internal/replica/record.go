// Package replica replays queued directory change records against a replica.
package replica

import (
	"strings"
)

// ChangeType identifies the directory mutation a Record describes.
type ChangeType int

const (
	ChangeTypeUnknown ChangeType = iota
	ChangeTypeAdd
	ChangeTypeModify
	ChangeTypeDelete
	ChangeTypeRename
)

func (c ChangeType) String() string {
	switch c {
	case ChangeTypeAdd:
		return "add"
	case ChangeTypeModify:
		return "modify"
	case ChangeTypeDelete:
		return "delete"
	case ChangeTypeRename:
		return "modrdn"
	default:
		return "unknown"
	}
}

// ParseChangeType maps a change-log tag to a ChangeType. Unrecognised tags
// yield ChangeTypeUnknown so that the record can still be reported.
func ParseChangeType(tag string) ChangeType {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "add":
		return ChangeTypeAdd
	case "modify":
		return ChangeTypeModify
	case "delete":
		return ChangeTypeDelete
	case "modrdn", "moddn", "rename":
		return ChangeTypeRename
	default:
		return ChangeTypeUnknown
	}
}

// Reserved ModItem types. Any other type is an attribute name.
const (
	ItemSeparator    = "-"
	ItemAdd          = "add"
	ItemReplace      = "replace"
	ItemDelete       = "delete"
	ItemNewRDN       = "newrdn"
	ItemDeleteOldRDN = "deleteoldrdn"
)

// ModItem is one (type, value) line of a change record. Value may hold
// arbitrary bytes; its length is authoritative.
type ModItem struct {
	Type  string
	Value []byte
}

// Item builds a ModItem from a string value.
func Item(typ, value string) ModItem {
	return ModItem{Type: typ, Value: []byte(value)}
}

// Record is one queued change to replicate. Records are never modified.
type Record struct {
	DN         string
	ChangeType ChangeType
	// Tag is the change-type tag as it appeared in the change log.
	Tag  string
	Mods []ModItem
}

// ChangeTag returns the tag as logged, falling back to the parsed type.
func (r *Record) ChangeTag() string {
	if r.Tag != "" {
		return r.Tag
	}
	return r.ChangeType.String()
}
