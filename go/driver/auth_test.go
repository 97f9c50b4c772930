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
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pgpipe/pgpipe/go/pgwire"
	"github.com/pgpipe/pgpipe/go/transport"
)

func authFrame(code int32, extra func(w *pgwire.MessageWriter)) []byte {
	return frame(pgwire.MsgAuthenticationRequest, func(w *pgwire.MessageWriter) {
		w.WriteInt32(code)
		if extra != nil {
			extra(w)
		}
	})
}

// connectWithAuth runs Connect against a scripted authentication exchange.
func connectWithAuth(t *testing.T, cfg *Config, script func(s *testServer)) (*Conn, error) {
	t.Helper()

	dialer := newPipeDialer()
	cfg.Dialer = dialer

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := &testServer{t: t, conn: <-dialer.serverSide}
		defer s.conn.Close()
		s.readStartup()
		script(s)
	}()

	conn, err := Connect(context.Background(), cfg)
	<-done
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

func finishAuth(s *testServer) {
	s.write(
		msgAuthOk(),
		msgBackendKeyData(1, 2),
		msgReadyForQuery(pgwire.TxnStatusIdle),
	)
}

func TestCleartextPasswordAuth(t *testing.T) {
	cfg := &Config{User: "alice", Password: "sesame"}
	conn, err := connectWithAuth(t, cfg, func(s *testServer) {
		s.write(authFrame(pgwire.AuthCleartextPassword, nil))

		f := s.readFrame()
		require.Equal(t, byte(pgwire.MsgPasswordMsg), f.typ)
		password, _ := cutString(f.body)
		assert.Equal(t, "sesame", password)

		finishAuth(s)
	})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, conn.State())
}

func TestMD5PasswordAuth(t *testing.T) {
	cfg := &Config{User: "alice", Password: "wonderland"}
	conn, err := connectWithAuth(t, cfg, func(s *testServer) {
		s.write(authFrame(pgwire.AuthMD5Password, func(w *pgwire.MessageWriter) {
			w.WriteBytes([]byte{1, 2, 3, 4})
		}))

		f := s.readFrame()
		require.Equal(t, byte(pgwire.MsgPasswordMsg), f.typ)
		password, _ := cutString(f.body)
		assert.Equal(t, "md5370dfac54ebb2bdeedf68eab452ffd72", password)

		finishAuth(s)
	})
	require.NoError(t, err)
	assert.False(t, conn.IsClosed())
}

func TestScramSHA256Auth(t *testing.T) {
	const (
		user       = "alice"
		password   = "tr0ub4dor"
		iterations = 4096
	)
	salt := []byte("0123456789abcdef")

	cfg := &Config{User: user, Password: password}
	conn, err := connectWithAuth(t, cfg, func(s *testServer) {
		s.write(authFrame(pgwire.AuthSASL, func(w *pgwire.MessageWriter) {
			w.WriteString(scramSHA256Mechanism)
			w.WriteByte(0)
		}))

		// SASLInitialResponse: mechanism, length, client-first.
		f := s.readFrame()
		require.Equal(t, byte(pgwire.MsgPasswordMsg), f.typ)
		r := pgwire.NewMessageReader(f.body)
		mech, err := r.ReadString()
		require.NoError(t, err)
		require.Equal(t, scramSHA256Mechanism, mech)
		n, err := r.ReadInt32()
		require.NoError(t, err)
		clientFirstRaw, err := r.ReadBytes(int(n))
		require.NoError(t, err)

		clientFirst := string(clientFirstRaw)
		require.True(t, strings.HasPrefix(clientFirst, "n,,n="+user+",r="), "client-first: %q", clientFirst)
		clientFirstBare := strings.TrimPrefix(clientFirst, "n,,")
		clientNonce := clientFirstBare[strings.Index(clientFirstBare, ",r=")+3:]

		combinedNonce := clientNonce + "serverside"
		serverFirst := "r=" + combinedNonce +
			",s=" + base64.StdEncoding.EncodeToString(salt) +
			",i=4096"
		s.write(authFrame(pgwire.AuthSASLContinue, func(w *pgwire.MessageWriter) {
			w.WriteBytes([]byte(serverFirst))
		}))

		// SASLResponse: client-final with the proof.
		f = s.readFrame()
		require.Equal(t, byte(pgwire.MsgPasswordMsg), f.typ)
		clientFinal := string(f.body)

		proofIdx := strings.LastIndex(clientFinal, ",p=")
		require.Greater(t, proofIdx, 0, "client-final: %q", clientFinal)
		withoutProof := clientFinal[:proofIdx]
		require.Equal(t, "c=biws,r="+combinedNonce, withoutProof)

		proof, err := base64.StdEncoding.DecodeString(clientFinal[proofIdx+3:])
		require.NoError(t, err)

		// Verify the proof the way the server does: recover ClientKey from
		// proof XOR signature and compare H(ClientKey) to StoredKey.
		saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
		clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
		storedKey := sha256.Sum256(clientKey)
		authMessage := clientFirstBare + "," + serverFirst + "," + withoutProof
		signature := hmacSHA256(storedKey[:], []byte(authMessage))

		recovered := make([]byte, len(proof))
		for i := range proof {
			recovered[i] = proof[i] ^ signature[i]
		}
		recoveredStored := sha256.Sum256(recovered)
		require.Equal(t, storedKey, recoveredStored, "client proof does not verify")

		serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
		serverSig := hmacSHA256(serverKey, []byte(authMessage))
		s.write(authFrame(pgwire.AuthSASLFinal, func(w *pgwire.MessageWriter) {
			w.WriteBytes([]byte("v=" + base64.StdEncoding.EncodeToString(serverSig)))
		}))

		finishAuth(s)
	})
	require.NoError(t, err)
	assert.False(t, conn.IsClosed())
}

func TestScramRejectsBadServerSignature(t *testing.T) {
	cfg := &Config{User: "alice", Password: "pw"}
	_, err := connectWithAuth(t, cfg, func(s *testServer) {
		s.write(authFrame(pgwire.AuthSASL, func(w *pgwire.MessageWriter) {
			w.WriteString(scramSHA256Mechanism)
			w.WriteByte(0)
		}))

		s.readFrame() // SASLInitialResponse
		s.write(authFrame(pgwire.AuthSASLContinue, func(w *pgwire.MessageWriter) {
			w.WriteBytes([]byte("r=xy,s=" + base64.StdEncoding.EncodeToString([]byte("salt1234")) + ",i=4096"))
		}))
	})
	// The combined nonce does not extend the client nonce: rejected before
	// any proof goes out.
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, scramSHA256Mechanism, authErr.Method)
}

func TestAuthPasswordRejected(t *testing.T) {
	cfg := &Config{User: "alice", Password: "wrong"}
	_, err := connectWithAuth(t, cfg, func(s *testServer) {
		s.write(authFrame(pgwire.AuthCleartextPassword, nil))
		s.readFrame()
		s.write(msgErrorResponse("28P01", `password authentication failed for user "alice"`))
	})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	var pgErr *PGError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "28P01", pgErr.SQLState())
}

func TestUnsupportedAuthMethod(t *testing.T) {
	cfg := &Config{User: "alice"}
	_, err := connectWithAuth(t, cfg, func(s *testServer) {
		// 7 is GSSAPI, which the driver does not speak.
		s.write(authFrame(7, nil))
	})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestMultiHostFallback(t *testing.T) {
	dialer := newPipeDialer()
	go func() {
		// First host: dies during startup.
		s1 := <-dialer.serverSide
		s1.Close()

		// Second host: healthy.
		s := &testServer{t: t, conn: <-dialer.serverSide}
		defer s.conn.Close()
		s.handshake()
	}()

	conn, err := Connect(context.Background(), &Config{
		Dialer: dialer,
		User:   "test",
		Hosts: []transport.Target{
			{Network: "tcp", Addr: "db1:5432"},
			{Network: "tcp", Addr: "db2:5432"},
		},
	})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, uint32(1234), conn.BackendKeyData().ProcessID)
}
