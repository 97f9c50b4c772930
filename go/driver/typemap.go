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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// TypeMapper converts between application values and wire representation.
// The driver itself never interprets payload bytes beyond length framing;
// all conversion is delegated here so callers can plug in richer mappings.
type TypeMapper interface {
	// Encode turns a parameter value into its wire bytes. A nil result
	// means SQL NULL. oid may be 0 to leave type inference to the server.
	Encode(v any) (data []byte, oid uint32, format int16, err error)

	// Decode turns one column's raw bytes into an application value. data
	// is nil for SQL NULL.
	Decode(field pgwire.Field, data []byte) (any, error)
}

// TextMapper is the built-in TypeMapper. It encodes parameters in text
// format and decodes the common built-in scalar types; everything else is
// surfaced as a string (text format) or raw bytes (binary format).
type TextMapper struct{}

// Encode implements TypeMapper.
func (TextMapper) Encode(v any) ([]byte, uint32, int16, error) {
	switch v := v.(type) {
	case nil:
		return nil, 0, pgwire.FormatText, nil
	case string:
		return []byte(v), 0, pgwire.FormatText, nil
	case []byte:
		// bytea hex input form.
		return []byte(`\x` + hex.EncodeToString(v)), pgwire.OIDBytea, pgwire.FormatText, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), 0, pgwire.FormatText, nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), pgwire.OIDInt2, pgwire.FormatText, nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), pgwire.OIDInt4, pgwire.FormatText, nil
	case int64:
		return strconv.AppendInt(nil, v, 10), pgwire.OIDInt8, pgwire.FormatText, nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), pgwire.OIDInt8, pgwire.FormatText, nil
	case bool:
		if v {
			return []byte("t"), pgwire.OIDBool, pgwire.FormatText, nil
		}
		return []byte("f"), pgwire.OIDBool, pgwire.FormatText, nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'g', -1, 32), pgwire.OIDFloat4, pgwire.FormatText, nil
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), pgwire.OIDFloat8, pgwire.FormatText, nil
	case time.Time:
		return []byte(v.Format(time.RFC3339Nano)), 0, pgwire.FormatText, nil
	case fmt.Stringer:
		return []byte(v.String()), 0, pgwire.FormatText, nil
	default:
		return nil, 0, 0, fmt.Errorf("cannot encode parameter of type %T", v)
	}
}

// Decode implements TypeMapper.
func (TextMapper) Decode(field pgwire.Field, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if field.Format == pgwire.FormatBinary {
		// Binary decoding belongs to a richer mapper; hand back the bytes.
		return append([]byte(nil), data...), nil
	}

	s := string(data)
	switch field.DataTypeOID {
	case pgwire.OIDBool:
		return s == "t" || s == "true", nil
	case pgwire.OIDInt2, pgwire.OIDInt4, pgwire.OIDInt8:
		return strconv.ParseInt(s, 10, 64)
	case pgwire.OIDFloat4, pgwire.OIDFloat8:
		return strconv.ParseFloat(s, 64)
	case pgwire.OIDBytea:
		if strings.HasPrefix(s, `\x`) {
			return hex.DecodeString(s[2:])
		}
		return data, nil
	default:
		return s, nil
	}
}

// encodeParams maps a parameter list through the mapper into the Bind wire
// shape.
func encodeParams(mapper TypeMapper, args []any) (values [][]byte, oids []uint32, formats []int16, err error) {
	if len(args) == 0 {
		return nil, nil, nil, nil
	}
	values = make([][]byte, len(args))
	oids = make([]uint32, len(args))
	formats = make([]int16, len(args))
	for i, arg := range args {
		values[i], oids[i], formats[i], err = mapper.Encode(arg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parameter %d: %w", i+1, err)
		}
	}
	return values, oids, formats, nil
}
