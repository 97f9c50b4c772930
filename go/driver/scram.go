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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

const scramSHA256Mechanism = "SCRAM-SHA-256"

// clientNonceLength is the client nonce size in bytes. 24 bytes is 192 bits
// of entropy, base64-encoded to 32 characters.
const clientNonceLength = 24

// scramClient runs the client side of a SCRAM-SHA-256 exchange over an
// in-progress connection handshake. The transport is still synchronous at
// this point; the read loop has not started.
type scramClient struct {
	conn     *Conn
	username string
	password string

	clientNonce            string
	clientFirstMessageBare string
	authMessage            string
	serverKey              []byte
}

func newScramClient(conn *Conn, username, password string) *scramClient {
	return &scramClient{conn: conn, username: username, password: password}
}

// authenticate drives the full exchange: SASLInitialResponse, then the
// server's continue challenge, then SASLResponse, then verification of the
// server-final signature. The trailing AuthenticationOk is left for the
// startup loop.
func (s *scramClient) authenticate() error {
	clientFirst, err := s.clientFirstMessage()
	if err != nil {
		return &AuthError{Method: scramSHA256Mechanism, Err: err}
	}
	if err := s.conn.writeRaw(pgwire.AppendSASLInitialResponse(nil, scramSHA256Mechanism, []byte(clientFirst))); err != nil {
		return &TransportError{Err: err}
	}

	challenge, err := s.readSASLData(pgwire.AuthSASLContinue)
	if err != nil {
		return err
	}
	clientFinal, err := s.processServerFirst(string(challenge))
	if err != nil {
		return &AuthError{Method: scramSHA256Mechanism, Err: err}
	}
	if err := s.conn.writeRaw(pgwire.AppendSASLResponse(nil, []byte(clientFinal))); err != nil {
		return &TransportError{Err: err}
	}

	final, err := s.readSASLData(pgwire.AuthSASLFinal)
	if err != nil {
		return err
	}
	if err := s.verifyServerFinal(string(final)); err != nil {
		return &AuthError{Method: scramSHA256Mechanism, Err: err}
	}
	return nil
}

// readSASLData reads the next authentication message and requires the given
// SASL code, returning its payload.
func (s *scramClient) readSASLData(wantCode int32) ([]byte, error) {
	frame, err := s.conn.readFrameSync()
	if err != nil {
		return nil, err
	}
	switch frame.Type {
	case pgwire.MsgErrorResponse:
		return nil, startupError(frame.Body)
	case pgwire.MsgAuthenticationRequest:
	default:
		return nil, &pgwire.ProtocolError{
			Reason: fmt.Sprintf("unexpected message type during SASL exchange: %c", frame.Type),
		}
	}

	auth, err := pgwire.ParseAuthRequest(frame.Body)
	if err != nil {
		return nil, &pgwire.ProtocolError{Reason: err.Error()}
	}
	if auth.Code != wantCode {
		return nil, &pgwire.ProtocolError{
			Reason: fmt.Sprintf("unexpected SASL authentication code %d (want %d)", auth.Code, wantCode),
		}
	}
	return auth.Data, nil
}

// clientFirstMessage builds the client-first-message, GS2 header included.
// "n,," declares no channel binding and no authorization identity.
func (s *scramClient) clientFirstMessage() (string, error) {
	nonceBytes := make([]byte, clientNonceLength)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate client nonce: %w", err)
	}
	s.clientNonce = base64.StdEncoding.EncodeToString(nonceBytes)
	s.clientFirstMessageBare = "n=" + encodeSaslName(s.username) + ",r=" + s.clientNonce
	return "n,," + s.clientFirstMessageBare, nil
}

// processServerFirst parses the server-first-message and produces the
// client-final-message carrying the proof.
func (s *scramClient) processServerFirst(serverFirst string) (string, error) {
	combinedNonce, salt, iterations, err := parseServerFirstMessage(serverFirst)
	if err != nil {
		return "", fmt.Errorf("failed to parse server-first-message: %w", err)
	}
	if len(combinedNonce) < len(s.clientNonce) || combinedNonce[:len(s.clientNonce)] != s.clientNonce {
		return "", errors.New("server nonce does not start with client nonce (possible attack)")
	}

	// Channel binding data for "n,," is "biws" (base64 of "n,,").
	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + combinedNonce

	s.authMessage = s.clientFirstMessageBare + "," + serverFirst + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	s.serverKey = hmacSHA256(saltedPassword, []byte("Server Key"))

	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(s.authMessage))

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// verifyServerFinal checks the server signature, completing mutual
// authentication.
func (s *scramClient) verifyServerFinal(serverFinal string) error {
	sig, ok := strings.CutPrefix(serverFinal, "v=")
	if !ok {
		if msg, isErr := strings.CutPrefix(serverFinal, "e="); isErr {
			return fmt.Errorf("server rejected authentication: %s", msg)
		}
		return errors.New("invalid server-final-message: expected v=...")
	}

	serverSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("invalid server signature: %w", err)
	}
	expected := hmacSHA256(s.serverKey, []byte(s.authMessage))
	if !hmac.Equal(serverSig, expected) {
		return errors.New("server signature verification failed")
	}
	return nil
}

// encodeSaslName escapes a username for SASL: '=' becomes '=3D' and ','
// becomes '=2C'.
func encodeSaslName(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

// parseServerFirstMessage parses "r=<nonce>,s=<salt>,i=<iterations>".
func parseServerFirstMessage(msg string) (nonce string, salt []byte, iterations int, err error) {
	if msg == "" {
		return "", nil, 0, errors.New("empty server-first-message")
	}

	for attr := range strings.SplitSeq(msg, ",") {
		switch {
		case strings.HasPrefix(attr, "r="):
			nonce = attr[2:]
		case strings.HasPrefix(attr, "s="):
			salt, err = base64.StdEncoding.DecodeString(attr[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("invalid salt: %w", err)
			}
		case strings.HasPrefix(attr, "i="):
			iterations, err = strconv.Atoi(attr[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("invalid iterations: %w", err)
			}
		}
	}

	if nonce == "" {
		return "", nil, 0, errors.New("missing nonce in server-first-message")
	}
	if salt == nil {
		return "", nil, 0, errors.New("missing salt in server-first-message")
	}
	if iterations == 0 {
		return "", nil, 0, errors.New("missing iterations in server-first-message")
	}
	return nonce, salt, iterations, nil
}

// hmacSHA256 computes HMAC-SHA-256(key, message).
func hmacSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}
