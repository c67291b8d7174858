// Package replay drives queued change records through one dispatcher per
// replica, retrying and pacing them.
package replay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/isometry/ldap-replicator/internal/replica"
)

// recordDoc is the YAML form of a change record:
//
//	dn: uid=jdoe,ou=people,dc=example,dc=com
//	changetype: modify
//	mods:
//	  - {type: replace, value: mail}
//	  - {type: mail, value: jdoe@example.com}
//	  - {type: "-"}
//	  - {type: jpegPhoto, base64: /9j/4AAQ...}
//
// Records are separated by "---".
type recordDoc struct {
	DN         string    `yaml:"dn"`
	ChangeType string    `yaml:"changetype"`
	Mods       []itemDoc `yaml:"mods"`
}

type itemDoc struct {
	Type   string  `yaml:"type"`
	Value  *string `yaml:"value"`
	Base64 *string `yaml:"base64"`
}

// Decoder reads change records from a YAML stream.
type Decoder struct {
	dec   *yaml.Decoder
	index int
}

// NewDecoder returns a decoder reading from r. Unknown keys are rejected.
func NewDecoder(r io.Reader) *Decoder {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return &Decoder{dec: dec}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
// Empty documents are skipped.
func (d *Decoder) Next() (*replica.Record, error) {
	for {
		var doc *recordDoc
		if err := d.dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("record %d: failed to parse: %w", d.index+1, err)
		}
		if doc == nil {
			continue
		}

		d.index++
		rec, err := doc.record()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", d.index, err)
		}
		return rec, nil
	}
}

// DecodeAll reads every record from r.
func DecodeAll(r io.Reader) ([]*replica.Record, error) {
	d := NewDecoder(r)
	var records []*replica.Record
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// record converts the document. An unrecognised changetype is kept so the
// dispatcher can reject and report it.
func (doc *recordDoc) record() (*replica.Record, error) {
	if doc.DN == "" {
		return nil, errors.New("dn is required")
	}
	if doc.ChangeType == "" {
		return nil, fmt.Errorf("%s: changetype is required", doc.DN)
	}

	rec := &replica.Record{
		DN:         doc.DN,
		ChangeType: replica.ParseChangeType(doc.ChangeType),
		Tag:        doc.ChangeType,
		Mods:       make([]replica.ModItem, 0, len(doc.Mods)),
	}

	for i, item := range doc.Mods {
		mod, err := item.modItem()
		if err != nil {
			return nil, fmt.Errorf("%s: mods[%d]: %w", doc.DN, i, err)
		}
		rec.Mods = append(rec.Mods, mod)
	}

	return rec, nil
}

func (item itemDoc) modItem() (replica.ModItem, error) {
	if item.Type == "" {
		return replica.ModItem{}, errors.New("type is required")
	}
	if item.Value != nil && item.Base64 != nil {
		return replica.ModItem{}, errors.New("value and base64 are mutually exclusive")
	}

	mod := replica.ModItem{Type: item.Type}
	switch {
	case item.Value != nil:
		mod.Value = []byte(*item.Value)
	case item.Base64 != nil:
		raw, err := base64.StdEncoding.DecodeString(*item.Base64)
		if err != nil {
			return replica.ModItem{}, fmt.Errorf("invalid base64 value for %s: %w", item.Type, err)
		}
		mod.Value = raw
	}
	return mod, nil
}
