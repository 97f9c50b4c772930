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

// State is the connection lifecycle state.
type State int32

const (
	// StateConnecting covers transport dialing and the startup packet.
	StateConnecting State = iota

	// StateAuthenticating covers the authentication exchange.
	StateAuthenticating

	// StateIdle means the connection is established with no requests in
	// flight.
	StateIdle

	// StateActive means at least one request occupies the pipeline queue.
	StateActive

	// StateClosed is terminal. No further requests are accepted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
