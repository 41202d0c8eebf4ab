package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/directory/client"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// Server is one home server's device-session layer (spec §4.4): it turns a
// verified certificate chain into a reusable AuthToken and keeps every
// device's chain and medium-term key on file for peers to fetch.
type Server struct {
	store      *Store
	mailboxes  *mailbox.Server
	dir        *client.Client
	serverName wire.ServerName
}

// Config wires a Server to its store, the mailbox layer it provisions DM
// mailboxes through, the directory client it resolves descriptors through,
// and this home server's own name (checked against a caller's descriptor).
type Config struct {
	DBPath     string
	Mailboxes  *mailbox.Server
	Directory  *client.Client
	ServerName wire.ServerName
}

// NewServer opens the session store at cfg.DBPath.
func NewServer(cfg Config) (*Server, error) {
	st, err := Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &Server{store: st, mailboxes: cfg.Mailboxes, dir: cfg.Directory, serverName: cfg.ServerName}, nil
}

// Close releases the session store.
func (s *Server) Close() error { return s.store.Close() }

// DeviceAuth implements v1_device_auth (spec §4.4): resolve username's
// descriptor from the directory, require it name this server, verify chain
// against the descriptor's root_cert_hash, then issue (or reuse) an
// AuthToken for this exact device and make sure the user's DM mailbox
// exists with the standard anonymous+device ACL.
func (s *Server) DeviceAuth(ctx context.Context, username wire.UserName, chain certs.CertificateChain) (wire.AuthToken, error) {
	if err := username.Validate(); err != nil {
		return wire.AuthToken{}, fmt.Errorf("%w: %v", sealerr.AccessDenied, err)
	}

	listing, err := s.dir.QueryRaw(ctx, string(username))
	if err != nil {
		return wire.AuthToken{}, err
	}
	if listing.LatestValue == nil {
		return wire.AuthToken{}, fmt.Errorf("%w: %s has no directory entry", sealerr.AccessDenied, username)
	}
	var descriptor wire.UserDescriptor
	if err := listing.LatestValue.Decode(&descriptor); err != nil {
		return wire.AuthToken{}, fmt.Errorf("%w: %s's directory entry is not a user descriptor: %v", sealerr.AccessDenied, username, err)
	}
	if descriptor.ServerName != s.serverName {
		return wire.AuthToken{}, fmt.Errorf("%w: %s is homed on %s, not %s", sealerr.AccessDenied, username, descriptor.ServerName, s.serverName)
	}

	if err := chain.Verify(descriptor.RootCertHash, time.Now()); err != nil {
		return wire.AuthToken{}, fmt.Errorf("%w: certificate chain does not verify: %v", sealerr.AccessDenied, err)
	}

	deviceHash := xcrypto.HashOfPublicKey(chain.LastDevice().PK)
	chainBytes, err := chain.Canonical()
	if err != nil {
		return wire.AuthToken{}, err
	}

	var token wire.AuthToken
	err = s.store.withTx(ctx, func(tx *sql.Tx) error {
		existing, ok, err := tokenForDeviceTx(ctx, tx, username, deviceHash)
		if err != nil {
			return err
		}
		if ok {
			token = existing
		} else {
			token, err = randomAuthToken()
			if err != nil {
				return err
			}
			if err := putTokenTx(ctx, tx, username, deviceHash, token); err != nil {
				return err
			}
		}
		return putChainTx(ctx, tx, username, deviceHash, chainBytes)
	})
	if err != nil {
		return wire.AuthToken{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	// The DM mailbox lives in a separate SQLite database, so this can't
	// share the transaction above; EnsureDirectMailbox is itself
	// idempotent (insert-or-ignore on the mailbox row plus the two
	// standard ACL entries), so re-running it on every auth is harmless.
	// Mailbox ACLs are keyed by hash(token), not hash(device key).
	if err := s.mailboxes.EnsureDirectMailbox(ctx, username, xcrypto.Hash(token[:])); err != nil {
		return wire.AuthToken{}, err
	}

	logging.From(ctx).Infow("session: device authenticated", "user", string(username), "device", deviceHash.String())
	return token, nil
}

// DeviceAddMediumPK implements v1_device_add_medium_pk: a device publishes
// a fresh medium-term X25519 key, signed by its own identity key, with a
// creation timestamp no earlier than the one on the device's current key.
func (s *Server) DeviceAddMediumPK(ctx context.Context, auth wire.AuthToken, signed wire.SignedMediumPK) error {
	var username wire.UserName
	var deviceHash wire.Hash
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		var ok bool
		var err error
		username, deviceHash, ok, err = deviceByTokenTx(ctx, tx, auth)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown auth token", sealerr.AccessDenied)
		}

		chainBytes, ok, err := chainForDeviceTx(ctx, tx, username, deviceHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no certificate chain on file for this device", sealerr.AccessDenied)
		}
		var chain certs.CertificateChain
		if err := wire.Decode(chainBytes, &chain); err != nil {
			return err
		}

		body, err := signed.SignedBytes()
		if err != nil {
			return err
		}
		if err := xcrypto.VerifySignature(chain.LastDevice().PK, body, signed.Signature); err != nil {
			return fmt.Errorf("%w: medium-key signature invalid: %v", sealerr.AccessDenied, err)
		}

		prev, hasPrev, err := mediumPKTx(ctx, tx, username, deviceHash)
		if err != nil {
			return err
		}
		if hasPrev && signed.Created < prev.Created {
			return fmt.Errorf("%w: medium-key created timestamp must not decrease", sealerr.AccessDenied)
		}

		return putMediumPKTx(ctx, tx, username, deviceHash, signed)
	})
	if err != nil {
		return err
	}
	logging.From(ctx).Infow("session: medium key rotated", "user", string(username), "device", deviceHash.String())
	return nil
}

// DeviceCerts implements v1_device_certs: every certificate chain on file
// for username, keyed by device_hash, one per device that has ever
// authenticated.
func (s *Server) DeviceCerts(ctx context.Context, username wire.UserName) (map[wire.Hash]certs.CertificateChain, error) {
	raws, err := s.store.chains(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	out := make(map[wire.Hash]certs.CertificateChain, len(raws))
	for deviceHash, raw := range raws {
		var chain certs.CertificateChain
		if err := wire.Decode(raw, &chain); err != nil {
			return nil, err
		}
		out[deviceHash] = chain
	}
	return out, nil
}

// DeviceMediumPKs implements v1_device_medium_pks: every device's current
// signed medium-term key for username, keyed by device_hash, for a sender
// assembling the recipient set of a HeaderEncrypted message.
func (s *Server) DeviceMediumPKs(ctx context.Context, username wire.UserName) (map[wire.Hash]wire.SignedMediumPK, error) {
	out, err := s.store.mediumPKs(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	return out, nil
}

// TokenExists reports whether auth is a currently-issued device auth
// token, with no regard to which device or user it belongs to. The
// fragment store uses this as its sole admission check (spec §6's
// attachment collaborator requires only "device::auth_token_exists", not
// a per-mailbox ACL).
func (s *Server) TokenExists(ctx context.Context, auth wire.AuthToken) (bool, error) {
	var ok bool
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		_, _, ok, err = deviceByTokenTx(ctx, tx, auth)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	return ok, nil
}

// ProxyDirectory implements v1_proxy_directory: forward method/params to
// this server's own directory connection verbatim, for clients that never
// talk to the directory directly (spec §6). Any currently-issued device
// auth token admits the call, the same rule the fragment store uses.
func (s *Server) ProxyDirectory(ctx context.Context, auth wire.AuthToken, method string, params json.RawMessage) (json.RawMessage, error) {
	ok, err := s.TokenExists(ctx, auth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown auth token", sealerr.AccessDenied)
	}
	var result json.RawMessage
	if err := s.dir.RawCall(ctx, method, params, &result); err != nil {
		return nil, &sealerr.ProxyError{Upstream: err.Error()}
	}
	return result, nil
}

// ProxyServer implements v1_proxy_server: resolve serverName through the
// same directory lookup the DM and group pipelines use, then forward
// method/params to it verbatim, for clients that only hold a direct
// connection to their own home server (spec §6).
func (s *Server) ProxyServer(ctx context.Context, auth wire.AuthToken, serverName wire.ServerName, method string, params json.RawMessage) (json.RawMessage, error) {
	ok, err := s.TokenExists(ctx, auth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown auth token", sealerr.AccessDenied)
	}
	rpc, err := identity.ResolveServerRPC(ctx, s.dir, serverName)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	if err := rpc.Call(ctx, method, params, &result); err != nil {
		return nil, &sealerr.ProxyError{Upstream: err.Error()}
	}
	return result, nil
}

func randomAuthToken() (wire.AuthToken, error) {
	var tok wire.AuthToken
	if _, err := rand.Read(tok[:]); err != nil {
		return wire.AuthToken{}, err
	}
	if tok.IsAnonymous() {
		return randomAuthToken() // astronomically unlikely, but never hand out Anonymous
	}
	return tok, nil
}
