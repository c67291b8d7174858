package replay

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-replicator/internal/replica"
)

const recordStream = `
---
dn: uid=jdoe,ou=people,dc=example,dc=com
changetype: add
mods:
  - {type: objectClass, value: inetOrgPerson}
  - {type: cn, value: John Doe}
  - {type: jpegPhoto, base64: AAEC/w==}
---
dn: uid=jdoe,ou=people,dc=example,dc=com
changetype: modify
mods:
  - {type: replace, value: mail}
  - {type: mail, value: jdoe@example.com}
  - {type: "-"}
---
dn: uid=jdoe,ou=people,dc=example,dc=com
changetype: modrdn
mods:
  - {type: newrdn, value: uid=john}
  - {type: deleteoldrdn, value: "1"}
---
dn: uid=john,ou=people,dc=example,dc=com
changetype: delete
`

func TestDecodeAll(t *testing.T) {
	records, err := DecodeAll(strings.NewReader(recordStream))
	require.NoError(t, err)
	require.Len(t, records, 4)

	add := records[0]
	assert.Equal(t, "uid=jdoe,ou=people,dc=example,dc=com", add.DN)
	assert.Equal(t, replica.ChangeTypeAdd, add.ChangeType)
	require.Len(t, add.Mods, 3)
	assert.Equal(t, replica.Item("objectClass", "inetOrgPerson"), add.Mods[0])
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0xff}, add.Mods[2].Value)

	modify := records[1]
	assert.Equal(t, replica.ChangeTypeModify, modify.ChangeType)
	require.Len(t, modify.Mods, 3)
	assert.Equal(t, replica.ItemSeparator, modify.Mods[2].Type)
	assert.Nil(t, modify.Mods[2].Value)

	rename := records[2]
	assert.Equal(t, replica.ChangeTypeRename, rename.ChangeType)
	assert.Equal(t, "modrdn", rename.ChangeTag())

	del := records[3]
	assert.Equal(t, replica.ChangeTypeDelete, del.ChangeType)
	assert.Empty(t, del.Mods)
}

func TestDecodeAll_UnknownChangeTypeKept(t *testing.T) {
	records, err := DecodeAll(strings.NewReader(`
dn: cn=x,dc=example,dc=com
changetype: frobnicate
`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, replica.ChangeTypeUnknown, records[0].ChangeType)
	assert.Equal(t, "frobnicate", records[0].ChangeTag())
}

func TestDecodeAll_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		errorMsg string
	}{
		{
			name:     "missing dn",
			input:    "changetype: delete\n",
			errorMsg: "record 1: dn is required",
		},
		{
			name:     "missing changetype",
			input:    "dn: cn=x,dc=example,dc=com\n",
			errorMsg: "changetype is required",
		},
		{
			name: "item without type",
			input: `dn: cn=x,dc=example,dc=com
changetype: add
mods:
  - {value: orphan}
`,
			errorMsg: "mods[0]: type is required",
		},
		{
			name: "value and base64",
			input: `dn: cn=x,dc=example,dc=com
changetype: add
mods:
  - {type: cn, value: x, base64: eA==}
`,
			errorMsg: "mutually exclusive",
		},
		{
			name: "bad base64",
			input: `dn: cn=x,dc=example,dc=com
changetype: add
mods:
  - {type: jpegPhoto, base64: "!!!"}
`,
			errorMsg: "invalid base64 value for jpegPhoto",
		},
		{
			name: "unknown key",
			input: `dn: cn=x,dc=example,dc=com
changetype: delete
control: subtree
`,
			errorMsg: "field control not found",
		},
		{
			name: "second record malformed",
			input: `dn: cn=x,dc=example,dc=com
changetype: delete
---
changetype: delete
`,
			errorMsg: "record 2: dn is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAll(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestDecoder_Empty(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))
	rec, err := d.Next()
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, io.EOF)
}
