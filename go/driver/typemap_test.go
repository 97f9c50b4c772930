// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

func TestTextMapperEncode(t *testing.T) {
	m := TextMapper{}

	tests := []struct {
		name string
		in   any
		want []byte
		oid  uint32
	}{
		{"nil", nil, nil, 0},
		{"string", "hello", []byte("hello"), 0},
		{"int", 42, []byte("42"), 0},
		{"int64", int64(-7), []byte("-7"), pgwire.OIDInt8},
		{"bool true", true, []byte("t"), pgwire.OIDBool},
		{"bool false", false, []byte("f"), pgwire.OIDBool},
		{"float64", 1.5, []byte("1.5"), pgwire.OIDFloat8},
		{"bytea", []byte{0xde, 0xad}, []byte(`\xdead`), pgwire.OIDBytea},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, oid, format, err := m.Encode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
			assert.Equal(t, tt.oid, oid)
			assert.Equal(t, int16(pgwire.FormatText), format)
		})
	}

	_, _, _, err := m.Encode(struct{}{})
	require.Error(t, err, "unmappable types must be rejected")
}

func TestTextMapperDecode(t *testing.T) {
	m := TextMapper{}

	field := func(oid uint32) pgwire.Field {
		return pgwire.Field{DataTypeOID: oid, Format: pgwire.FormatText}
	}

	v, err := m.Decode(field(pgwire.OIDInt8), []byte("123"))
	require.NoError(t, err)
	assert.Equal(t, int64(123), v)

	v, err = m.Decode(field(pgwire.OIDBool), []byte("t"))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = m.Decode(field(pgwire.OIDFloat8), []byte("2.25"))
	require.NoError(t, err)
	assert.Equal(t, 2.25, v)

	v, err = m.Decode(field(pgwire.OIDBytea), []byte(`\xdead`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, v)

	v, err = m.Decode(field(pgwire.OIDText), nil)
	require.NoError(t, err)
	assert.Nil(t, v, "SQL NULL decodes to nil")

	v, err = m.Decode(field(pgwire.OIDUUID), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", v, "unknown text types pass through as string")
}
