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

// Frontend message encoders. Each appends a complete wire frame to dst so a
// caller can batch several messages into a single transport write.

// StartupParam is one key/value pair of the startup packet. Order is
// preserved on the wire.
type StartupParam struct {
	Name  string
	Value string
}

// AppendStartup appends a StartupMessage. The startup packet carries no type
// byte, only a length, the protocol version, and the parameter list.
func AppendStartup(dst []byte, params []StartupParam) []byte {
	w := NewMessageWriter()
	w.WriteUint32(ProtocolVersionNumber)
	for _, p := range params {
		w.WriteString(p.Name)
		w.WriteString(p.Value)
	}
	w.WriteByte(0) // Terminates the parameter list.
	return AppendLengthOnlyFrame(dst, w.Bytes())
}

// AppendSSLRequest appends the SSLRequest preamble sent before the TLS
// handshake.
func AppendSSLRequest(dst []byte) []byte {
	w := NewMessageWriter()
	w.WriteUint32(SSLRequestCode)
	return AppendLengthOnlyFrame(dst, w.Bytes())
}

// AppendCancelRequest appends a CancelRequest packet carrying the backend
// process ID and secret key. Sent on a throwaway connection.
func AppendCancelRequest(dst []byte, processID, secretKey uint32) []byte {
	w := NewMessageWriter()
	w.WriteUint32(CancelRequestCode)
	w.WriteUint32(processID)
	w.WriteUint32(secretKey)
	return AppendLengthOnlyFrame(dst, w.Bytes())
}

// AppendQuery appends a simple Query message.
func AppendQuery(dst []byte, sql string) []byte {
	w := NewMessageWriter()
	w.WriteString(sql)
	return AppendFrame(dst, MsgQuery, w.Bytes())
}

// AppendParse appends a Parse message. name is the prepared statement name
// (empty for the unnamed statement); paramTypes are parameter type OIDs
// (0 leaves the type to server inference).
func AppendParse(dst []byte, name, sql string, paramTypes []uint32) []byte {
	w := NewMessageWriter()
	w.WriteString(name)
	w.WriteString(sql)
	w.WriteInt16(int16(len(paramTypes)))
	for _, oid := range paramTypes {
		w.WriteUint32(oid)
	}
	return AppendFrame(dst, MsgParse, w.Bytes())
}

// AppendBind appends a Bind message binding params to stmtName under
// portalName. paramFormats and resultFormats carry FormatText/FormatBinary
// codes; nil means text for everything.
func AppendBind(dst []byte, portalName, stmtName string, params [][]byte, paramFormats, resultFormats []int16) []byte {
	w := NewMessageWriter()
	w.WriteString(portalName)
	w.WriteString(stmtName)

	w.WriteInt16(int16(len(paramFormats)))
	for _, f := range paramFormats {
		w.WriteInt16(f)
	}

	w.WriteInt16(int16(len(params)))
	for _, p := range params {
		w.WriteByteString(p)
	}

	w.WriteInt16(int16(len(resultFormats)))
	for _, f := range resultFormats {
		w.WriteInt16(f)
	}

	return AppendFrame(dst, MsgBind, w.Bytes())
}

// AppendDescribe appends a Describe message. typ is 'S' for a prepared
// statement or 'P' for a portal.
func AppendDescribe(dst []byte, typ byte, name string) []byte {
	w := NewMessageWriter()
	w.WriteByte(typ)
	w.WriteString(name)
	return AppendFrame(dst, MsgDescribe, w.Bytes())
}

// AppendExecute appends an Execute message. maxRows of 0 means unlimited.
func AppendExecute(dst []byte, portalName string, maxRows int32) []byte {
	w := NewMessageWriter()
	w.WriteString(portalName)
	w.WriteInt32(maxRows)
	return AppendFrame(dst, MsgExecute, w.Bytes())
}

// AppendClose appends a Close message. typ is 'S' for a prepared statement
// or 'P' for a portal.
func AppendClose(dst []byte, typ byte, name string) []byte {
	w := NewMessageWriter()
	w.WriteByte(typ)
	w.WriteString(name)
	return AppendFrame(dst, MsgClose, w.Bytes())
}

// AppendSync appends a Sync message marking the pipeline boundary.
func AppendSync(dst []byte) []byte {
	return AppendFrame(dst, MsgSync, nil)
}

// AppendFlush appends a Flush message.
func AppendFlush(dst []byte) []byte {
	return AppendFrame(dst, MsgFlush, nil)
}

// AppendTerminate appends a Terminate message.
func AppendTerminate(dst []byte) []byte {
	return AppendFrame(dst, MsgTerminate, nil)
}

// AppendPassword appends a PasswordMessage with a cleartext or MD5-hashed
// password.
func AppendPassword(dst []byte, password string) []byte {
	w := NewMessageWriter()
	w.WriteString(password)
	return AppendFrame(dst, MsgPasswordMsg, w.Bytes())
}

// AppendSASLInitialResponse appends the SASLInitialResponse carrying the
// chosen mechanism and the client-first message.
func AppendSASLInitialResponse(dst []byte, mechanism string, clientFirst []byte) []byte {
	w := NewMessageWriter()
	w.WriteString(mechanism)
	w.WriteInt32(int32(len(clientFirst)))
	w.WriteBytes(clientFirst)
	return AppendFrame(dst, MsgPasswordMsg, w.Bytes())
}

// AppendSASLResponse appends a SASLResponse with the client-final message.
func AppendSASLResponse(dst []byte, clientFinal []byte) []byte {
	w := NewMessageWriter()
	w.WriteBytes(clientFinal)
	return AppendFrame(dst, MsgPasswordMsg, w.Bytes())
}

// AppendCopyData appends a CopyData message.
func AppendCopyData(dst []byte, data []byte) []byte {
	return AppendFrame(dst, MsgCopyData, data)
}

// AppendCopyDone appends a CopyDone message.
func AppendCopyDone(dst []byte) []byte {
	return AppendFrame(dst, MsgCopyDone, nil)
}

// AppendCopyFail appends a CopyFail message with the given reason.
func AppendCopyFail(dst []byte, reason string) []byte {
	w := NewMessageWriter()
	w.WriteString(reason)
	return AppendFrame(dst, MsgCopyFail, w.Bytes())
}
