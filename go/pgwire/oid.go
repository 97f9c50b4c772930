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

// Built-in PostgreSQL type OIDs from pg_type, used to annotate result fields
// with human-readable names. Names are uppercase as returned by the server's
// format_type function. This is a convenience table, not a type catalog; the
// driver never interprets payload bytes based on it.

// Commonly referenced OIDs.
const (
	OIDBool    = 16
	OIDBytea   = 17
	OIDInt8    = 20
	OIDInt2    = 21
	OIDInt4    = 23
	OIDText    = 25
	OIDFloat4  = 700
	OIDFloat8  = 701
	OIDVarchar = 1043
	OIDUUID    = 2950
)

var oidToTypeName = map[uint32]string{
	OIDBool:  "BOOL",
	OIDBytea: "BYTEA",

	18: "CHAR",
	19: "NAME",

	OIDInt8: "INT8",
	OIDInt2: "INT2",
	OIDInt4: "INT4",
	OIDText: "TEXT",

	24: "REGPROC",
	26: "OID",
	27: "TID",
	28: "XID",
	29: "CID",

	114:  "JSON",
	3802: "JSONB",
	142:  "XML",

	600: "POINT",
	601: "LSEG",
	602: "PATH",
	603: "BOX",
	604: "POLYGON",
	628: "LINE",
	650: "CIDR",
	718: "CIRCLE",

	OIDFloat4: "FLOAT4",
	OIDFloat8: "FLOAT8",

	790: "MONEY",

	774: "MACADDR8",
	829: "MACADDR",
	869: "INET",

	1082: "DATE",
	1083: "TIME",
	1114: "TIMESTAMP",
	1184: "TIMESTAMPTZ",
	1266: "TIMETZ",
	1186: "INTERVAL",

	1560: "BIT",
	1562: "VARBIT",

	1700: "NUMERIC",

	OIDVarchar: "VARCHAR",
	1042:       "BPCHAR",

	OIDUUID: "UUID",

	3904: "INT4RANGE",
	3906: "NUMRANGE",
	3908: "TSRANGE",
	3910: "TSTZRANGE",
	3912: "DATERANGE",
	3926: "INT8RANGE",

	5069: "XID8",
	3220: "PG_LSN",

	// Array types, underscore-prefixed per PostgreSQL convention.
	1000: "_BOOL",
	1001: "_BYTEA",
	1002: "_CHAR",
	1003: "_NAME",
	1005: "_INT2",
	1007: "_INT4",
	1009: "_TEXT",
	1015: "_VARCHAR",
	1016: "_INT8",
	1021: "_FLOAT4",
	1022: "_FLOAT8",
	1182: "_DATE",
	1183: "_TIME",
	1115: "_TIMESTAMP",
	1185: "_TIMESTAMPTZ",
	199:  "_JSON",
	3807: "_JSONB",
}

// TypeNameFromOID returns the canonical PostgreSQL type name for a given OID,
// or an empty string when the OID is not a recognized built-in type.
func TypeNameFromOID(oid uint32) string {
	return oidToTypeName[oid]
}
