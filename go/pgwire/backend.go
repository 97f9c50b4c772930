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

package pgwire

import (
	"fmt"
)

// Field describes one column of a result set, as carried by RowDescription.
type Field struct {
	Name                 string
	TableOID             uint32
	TableAttributeNumber int16
	DataTypeOID          uint32
	DataTypeSize         int16
	TypeModifier         int32
	Format               int16

	// TypeName is the canonical PostgreSQL type name for DataTypeOID, empty
	// when the OID is not a built-in type.
	TypeName string
}

// checkCount validates a wire-supplied element count before it sizes an
// allocation. minSize is the smallest possible encoding of one element, so a
// count that cannot fit in the remaining bytes is rejected without
// allocating.
func checkCount(what string, count int16, minSize, remaining int) error {
	if count < 0 {
		return fmt.Errorf("negative %s count %d", what, count)
	}
	if int(count)*minSize > remaining {
		return fmt.Errorf("%s count %d exceeds message size", what, count)
	}
	return nil
}

// ParseRowDescription parses a RowDescription message body.
func ParseRowDescription(body []byte) ([]Field, error) {
	r := NewMessageReader(body)

	fieldCount, err := r.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read field count: %w", err)
	}
	// Smallest field: empty name terminator plus the fixed 18 bytes.
	if err := checkCount("field", fieldCount, 19, r.Remaining()); err != nil {
		return nil, err
	}

	fields := make([]Field, fieldCount)
	for i := range fields {
		f := &fields[i]

		if f.Name, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("failed to read field name: %w", err)
		}
		if f.TableOID, err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read table OID: %w", err)
		}
		if f.TableAttributeNumber, err = r.ReadInt16(); err != nil {
			return nil, fmt.Errorf("failed to read attribute number: %w", err)
		}
		if f.DataTypeOID, err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read data type OID: %w", err)
		}
		if f.DataTypeSize, err = r.ReadInt16(); err != nil {
			return nil, fmt.Errorf("failed to read data type size: %w", err)
		}
		if f.TypeModifier, err = r.ReadInt32(); err != nil {
			return nil, fmt.Errorf("failed to read type modifier: %w", err)
		}
		if f.Format, err = r.ReadInt16(); err != nil {
			return nil, fmt.Errorf("failed to read format code: %w", err)
		}
		f.TypeName = TypeNameFromOID(f.DataTypeOID)
	}

	return fields, nil
}

// ParseDataRow parses a DataRow message body into per-column values. A nil
// value means SQL NULL. The values are copies and safe to retain.
func ParseDataRow(body []byte) ([][]byte, error) {
	r := NewMessageReader(body)

	columnCount, err := r.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read column count: %w", err)
	}
	// Each column carries at least its 4-byte value length.
	if err := checkCount("column", columnCount, 4, r.Remaining()); err != nil {
		return nil, err
	}

	values := make([][]byte, columnCount)
	for i := range values {
		v, err := r.ReadByteString()
		if err != nil {
			return nil, fmt.Errorf("failed to read column value: %w", err)
		}
		if v != nil {
			values[i] = append([]byte(nil), v...)
		}
	}

	return values, nil
}

// ErrorFields holds the keyed fields of an ErrorResponse or NoticeResponse.
type ErrorFields struct {
	Severity   string
	Code       string
	Message    string
	Detail     string
	Hint       string
	Position   string
	Where      string
	Schema     string
	Table      string
	Column     string
	DataType   string
	Constraint string
	File       string
	Line       string
	Routine    string
}

// ParseErrorFields parses the field list shared by ErrorResponse and
// NoticeResponse bodies.
func ParseErrorFields(body []byte) ErrorFields {
	r := NewMessageReader(body)

	var f ErrorFields
	for r.Remaining() > 0 {
		fieldType, err := r.ReadByte()
		if err != nil || fieldType == 0 {
			break
		}
		value, err := r.ReadString()
		if err != nil {
			break
		}
		switch fieldType {
		case FieldSeverity:
			f.Severity = value
		case FieldCode:
			f.Code = value
		case FieldMessage:
			f.Message = value
		case FieldDetail:
			f.Detail = value
		case FieldHint:
			f.Hint = value
		case FieldPosition:
			f.Position = value
		case FieldWhere:
			f.Where = value
		case FieldSchema:
			f.Schema = value
		case FieldTable:
			f.Table = value
		case FieldColumn:
			f.Column = value
		case FieldDataType:
			f.DataType = value
		case FieldConstraint:
			f.Constraint = value
		case FieldFile:
			f.File = value
		case FieldLine:
			f.Line = value
		case FieldRoutine:
			f.Routine = value
		}
	}
	return f
}

// BackendKeyData carries the process ID and secret key used for query
// cancellation.
type BackendKeyData struct {
	ProcessID uint32
	SecretKey uint32
}

// ParseBackendKeyData parses a BackendKeyData message body.
func ParseBackendKeyData(body []byte) (BackendKeyData, error) {
	r := NewMessageReader(body)

	var k BackendKeyData
	var err error
	if k.ProcessID, err = r.ReadUint32(); err != nil {
		return k, fmt.Errorf("failed to read process ID: %w", err)
	}
	if k.SecretKey, err = r.ReadUint32(); err != nil {
		return k, fmt.Errorf("failed to read secret key: %w", err)
	}
	return k, nil
}

// ParseParameterStatus parses a ParameterStatus message body.
func ParseParameterStatus(body []byte) (name, value string, err error) {
	r := NewMessageReader(body)
	if name, err = r.ReadString(); err != nil {
		return "", "", fmt.Errorf("failed to read parameter name: %w", err)
	}
	if value, err = r.ReadString(); err != nil {
		return "", "", fmt.Errorf("failed to read parameter value: %w", err)
	}
	return name, value, nil
}

// Notification is a NOTIFY payload delivered via NotificationResponse.
type Notification struct {
	ProcessID uint32
	Channel   string
	Payload   string
}

// ParseNotification parses a NotificationResponse message body.
func ParseNotification(body []byte) (Notification, error) {
	r := NewMessageReader(body)

	var n Notification
	var err error
	if n.ProcessID, err = r.ReadUint32(); err != nil {
		return n, fmt.Errorf("failed to read process ID: %w", err)
	}
	if n.Channel, err = r.ReadString(); err != nil {
		return n, fmt.Errorf("failed to read channel: %w", err)
	}
	if n.Payload, err = r.ReadString(); err != nil {
		return n, fmt.Errorf("failed to read payload: %w", err)
	}
	return n, nil
}

// ParseCommandComplete parses a CommandComplete message body into its tag.
func ParseCommandComplete(body []byte) (string, error) {
	r := NewMessageReader(body)
	tag, err := r.ReadString()
	if err != nil {
		return "", fmt.Errorf("failed to read command tag: %w", err)
	}
	return tag, nil
}

// RowsAffected extracts the row count from a command tag such as "SELECT 5"
// or "INSERT 0 1". Tags without a count yield 0.
func RowsAffected(tag string) uint64 {
	var count uint64
	var place uint64
	inNumber := false

	for i := len(tag) - 1; i >= 0; i-- {
		c := tag[i]
		switch {
		case c >= '0' && c <= '9':
			if !inNumber {
				inNumber = true
				count = 0
				place = 1
			}
			count += uint64(c-'0') * place
			place *= 10
		case c == ' ':
			if inNumber {
				return count
			}
		default:
			if inNumber {
				return count
			}
			return 0
		}
	}
	if inNumber {
		return count
	}
	return 0
}

// ParseReadyForQuery parses a ReadyForQuery body into its transaction status.
func ParseReadyForQuery(body []byte) (TransactionStatus, error) {
	if len(body) < 1 {
		return 0, fmt.Errorf("ready for query message too short")
	}
	return TransactionStatus(body[0]), nil
}

// AuthRequest is a decoded AuthenticationRequest message.
type AuthRequest struct {
	// Code is one of the Auth* constants.
	Code int32

	// Salt carries the 4-byte MD5 salt for AuthMD5Password.
	Salt []byte

	// Mechanisms lists the offered SASL mechanisms for AuthSASL.
	Mechanisms []string

	// Data carries the SASL challenge payload for AuthSASLContinue and
	// AuthSASLFinal.
	Data []byte
}

// ParseAuthRequest parses an AuthenticationRequest message body.
func ParseAuthRequest(body []byte) (AuthRequest, error) {
	r := NewMessageReader(body)

	var a AuthRequest
	var err error
	if a.Code, err = r.ReadInt32(); err != nil {
		return a, fmt.Errorf("failed to read auth type: %w", err)
	}

	switch a.Code {
	case AuthMD5Password:
		if a.Salt, err = r.ReadBytes(4); err != nil {
			return a, fmt.Errorf("failed to read MD5 salt: %w", err)
		}
	case AuthSASL:
		for r.Remaining() > 0 {
			mech, err := r.ReadString()
			if err != nil || mech == "" {
				break
			}
			a.Mechanisms = append(a.Mechanisms, mech)
		}
	case AuthSASLContinue, AuthSASLFinal:
		if a.Data, err = r.ReadBytes(r.Remaining()); err != nil {
			return a, fmt.Errorf("failed to read SASL data: %w", err)
		}
	}

	return a, nil
}

// CopyResponse is a decoded CopyInResponse or CopyOutResponse.
type CopyResponse struct {
	OverallFormat int8
	ColumnFormats []int16
}

// ParseCopyResponse parses a CopyInResponse/CopyOutResponse message body.
func ParseCopyResponse(body []byte) (CopyResponse, error) {
	r := NewMessageReader(body)

	var c CopyResponse
	format, err := r.ReadByte()
	if err != nil {
		return c, fmt.Errorf("failed to read copy format: %w", err)
	}
	c.OverallFormat = int8(format)

	columnCount, err := r.ReadInt16()
	if err != nil {
		return c, fmt.Errorf("failed to read copy column count: %w", err)
	}
	if err := checkCount("copy column", columnCount, 2, r.Remaining()); err != nil {
		return c, err
	}
	c.ColumnFormats = make([]int16, columnCount)
	for i := range c.ColumnFormats {
		if c.ColumnFormats[i], err = r.ReadInt16(); err != nil {
			return c, fmt.Errorf("failed to read copy column format: %w", err)
		}
	}
	return c, nil
}

// ParseParameterDescription parses a ParameterDescription message body into
// parameter type OIDs.
func ParseParameterDescription(body []byte) ([]uint32, error) {
	r := NewMessageReader(body)

	paramCount, err := r.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter count: %w", err)
	}
	if err := checkCount("parameter", paramCount, 4, r.Remaining()); err != nil {
		return nil, err
	}

	oids := make([]uint32, paramCount)
	for i := range oids {
		if oids[i], err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read parameter OID: %w", err)
		}
	}
	return oids, nil
}
