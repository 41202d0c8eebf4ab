package identity

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/directory/client"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// peerCacheTTL is the peer info cache's refresh interval (spec §4.5).
const peerCacheTTL = 60 * time.Second

// Identity is this device's persisted singleton identity record: who the
// user is, which server they're homed on, the device's own signing key and
// certificate chain, and its current/previous medium-term DH key pair.
type Identity struct {
	Username      wire.UserName
	ServerName    wire.ServerName
	Secret        certs.DeviceSecret
	Chain         certs.CertificateChain
	MediumCurrent xcrypto.DhKeyPair
	MediumPrev    *xcrypto.DhKeyPair
}

// Manager owns the identity store and the peer info cache built on top of
// it; it is the client-side counterpart to session.Server.
type Manager struct {
	store *Store
	dir   *client.Client
}

// NewManager opens (or creates) the identity database at dbPath.
func NewManager(dbPath string, dir *client.Client) (*Manager, error) {
	st, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Manager{store: st, dir: dir}, nil
}

// Close releases the identity store.
func (m *Manager) Close() error { return m.store.Close() }

// Load returns the persisted identity, if bootstrap or add-device has
// already run.
func (m *Manager) Load(ctx context.Context) (Identity, bool, error) {
	rec, ok, err := m.store.load(ctx)
	if err != nil || !ok {
		return Identity{}, ok, err
	}

	var secretKP xcrypto.SigningKeyPair
	if err := wire.Decode(rec.DeviceSecret, &secretKP); err != nil {
		return Identity{}, false, err
	}
	var chain certs.CertificateChain
	if err := wire.Decode(rec.CertChain, &chain); err != nil {
		return Identity{}, false, err
	}

	current, err := mediumKeyPairFromPrivate(rec.MediumSKCurrent)
	if err != nil {
		return Identity{}, false, err
	}
	id := Identity{
		Username:      rec.Username,
		ServerName:    rec.ServerName,
		Secret:        certs.DeviceSecret{Keys: secretKP},
		Chain:         chain,
		MediumCurrent: current,
	}
	if rec.MediumSKPrev != nil {
		prev, err := mediumKeyPairFromPrivate(*rec.MediumSKPrev)
		if err != nil {
			return Identity{}, false, err
		}
		id.MediumPrev = &prev
	}
	return id, true, nil
}

// mediumKeyPairFromPrivate re-derives the X25519 public key from a stored
// private scalar, so the store only ever has to persist one 32-byte value
// per medium key.
func mediumKeyPairFromPrivate(private [32]byte) (xcrypto.DhKeyPair, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return xcrypto.DhKeyPair{}, err
	}
	kp := xcrypto.DhKeyPair{Private: private}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Bootstrap creates the identity singleton for a brand-new user: a fresh
// device secret, a self-signed root certificate, and a fresh medium-term
// key pair. Must run at most once; callers check Load first.
func (m *Manager) Bootstrap(ctx context.Context, username wire.UserName, serverName wire.ServerName, certExpiry time.Time) (Identity, error) {
	secret, err := certs.NewDeviceSecret()
	if err != nil {
		return Identity{}, err
	}
	root, err := certs.SelfSign(secret, certExpiry, true)
	if err != nil {
		return Identity{}, err
	}
	medium, err := xcrypto.GenerateDhKeyPair()
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		Username:      username,
		ServerName:    serverName,
		Secret:        secret,
		Chain:         certs.CertificateChain{This: root},
		MediumCurrent: medium,
	}
	if err := m.persist(ctx, id); err != nil {
		return Identity{}, err
	}
	logging.From(ctx).Infow("identity: bootstrapped", "user", string(username), "server", string(serverName))
	return id, nil
}

func (m *Manager) persist(ctx context.Context, id Identity) error {
	secretRaw, err := wire.Canonical(id.Secret.Keys)
	if err != nil {
		return err
	}
	chainRaw, err := id.Chain.Canonical()
	if err != nil {
		return err
	}
	rec := record{
		Username:        id.Username,
		ServerName:      id.ServerName,
		DeviceSecret:    secretRaw,
		CertChain:       chainRaw,
		MediumSKCurrent: id.MediumCurrent.Private,
	}
	if id.MediumPrev != nil {
		p := id.MediumPrev.Private
		rec.MediumSKPrev = &p
	}
	return m.store.save(ctx, rec)
}

// DeviceAuth calls v1_device_auth on sess to mint a fresh auth token for
// id's device certificate chain, the login step every other client
// operation in this package assumes has already happened.
func (m *Manager) DeviceAuth(ctx context.Context, id Identity, sess *rpcwire.Client) (wire.AuthToken, error) {
	var reply struct {
		Token wire.AuthToken `json:"token"`
	}
	if err := sess.Call(ctx, "v1_device_auth", struct {
		Username wire.UserName          `json:"username"`
		Chain    certs.CertificateChain `json:"chain"`
	}{id.Username, id.Chain}, &reply); err != nil {
		return wire.AuthToken{}, err
	}
	logging.From(ctx).Infow("identity: device authenticated", "user", string(id.Username))
	return reply.Token, nil
}

// PublishMediumKey signs id's current medium-term public key and calls
// v1_device_add_medium_pk on sess, without rotating anything. Bootstrap
// callers use this once to publish the key Bootstrap generated;
// RotateMediumKey below handles every later rotation.
func (m *Manager) PublishMediumKey(ctx context.Context, id Identity, sess *rpcwire.Client, auth wire.AuthToken) error {
	signed := wire.SignedMediumPK{MediumPK: id.MediumCurrent.Public, Created: wire.Now()}
	body, err := signed.SignedBytes()
	if err != nil {
		return err
	}
	signed.Signature = id.Secret.Keys.Sign(body)

	var reply struct {
		OK bool `json:"ok"`
	}
	return sess.Call(ctx, "v1_device_add_medium_pk", struct {
		Auth   wire.AuthToken      `json:"auth"`
		Signed wire.SignedMediumPK `json:"signed"`
	}{auth, signed}, &reply)
}

// RotateMediumKey implements the medium-key rotation spec §4.5 describes:
// roll prev ← current, current ← fresh, sign and publish the new public
// half via v1_device_add_medium_pk on sess (this device's own home server
// RPC client), and persist. Per spec this should only run once every peer
// that matters has observed the new mpk in a server response; that
// staleness judgment is the caller's responsibility — this method performs
// the mechanical rotation and publish step only.
func (m *Manager) RotateMediumKey(ctx context.Context, id Identity, sess *rpcwire.Client, auth wire.AuthToken) (Identity, error) {
	fresh, err := xcrypto.GenerateDhKeyPair()
	if err != nil {
		return Identity{}, err
	}
	signed := wire.SignedMediumPK{MediumPK: fresh.Public, Created: wire.Now()}
	body, err := signed.SignedBytes()
	if err != nil {
		return Identity{}, err
	}
	signed.Signature = id.Secret.Keys.Sign(body)

	var reply struct {
		OK bool `json:"ok"`
	}
	if err := sess.Call(ctx, "v1_device_add_medium_pk", struct {
		Auth   wire.AuthToken      `json:"auth"`
		Signed wire.SignedMediumPK `json:"signed"`
	}{auth, signed}, &reply); err != nil {
		return Identity{}, err
	}

	prev := id.MediumCurrent
	id.MediumPrev = &prev
	id.MediumCurrent = fresh
	if err := m.persist(ctx, id); err != nil {
		return Identity{}, err
	}
	logging.From(ctx).Infow("identity: medium key rotated", "user", string(id.Username))
	return id, nil
}

// ResolveServerRPC looks up serverName's ServerDescriptor in the directory
// and builds an rpcwire.Client for its first published URL; exported so
// the DM and group pipelines can reach a peer's (or their own) home
// server without duplicating directory lookup logic.
func ResolveServerRPC(ctx context.Context, dir *client.Client, serverName wire.ServerName) (*rpcwire.Client, error) {
	return resolveServerRPC(ctx, dir, serverName)
}

// resolveServerRPC looks up serverName's ServerDescriptor in the directory
// and builds an rpcwire.Client for its first published URL.
func resolveServerRPC(ctx context.Context, dir *client.Client, serverName wire.ServerName) (*rpcwire.Client, error) {
	listing, err := dir.QueryRaw(ctx, string(serverName))
	if err != nil {
		return nil, err
	}
	if listing.LatestValue == nil {
		return nil, fmt.Errorf("%w: %s has no server descriptor", sealerr.AccessDenied, serverName)
	}
	var descriptor wire.ServerDescriptor
	if err := listing.LatestValue.Decode(&descriptor); err != nil {
		return nil, fmt.Errorf("%w: %s's directory entry is not a server descriptor: %v", sealerr.AccessDenied, serverName, err)
	}
	if len(descriptor.PublicURLs) == 0 {
		return nil, fmt.Errorf("%w: %s publishes no URLs", sealerr.AccessDenied, serverName)
	}
	return rpcwire.NewClient(descriptor.PublicURLs[0]), nil
}
