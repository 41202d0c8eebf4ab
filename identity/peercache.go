package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// PeerInfo is what DM send/receive (C9) needs to know about a peer: the
// home server they're currently homed on, their verified device chains,
// and their current per-device medium-term public key, both keyed by
// device_hash (hash of the device's leaf certificate public key).
type PeerInfo struct {
	ServerName wire.ServerName
	Chains     map[wire.Hash]certs.CertificateChain
	MediumPKs  map[wire.Hash]wire.SignedMediumPK
}

// VerifiedMediumKeys returns the medium-term public keys of every device
// whose signed_mpk verifies under that device's own chain (spec §4.6 step
// 3: "one per device whose signed_mpk verifies under its device public
// key").
func (p PeerInfo) VerifiedMediumKeys() [][32]byte {
	out := make([][32]byte, 0, len(p.MediumPKs))
	for deviceHash, m := range p.MediumPKs {
		chain, ok := p.Chains[deviceHash]
		if !ok {
			continue
		}
		body, err := m.SignedBytes()
		if err != nil {
			continue
		}
		if xcrypto.VerifySignature(chain.LastDevice().PK, body, m.Signature) != nil {
			continue
		}
		out = append(out, m.MediumPK)
	}
	return out
}

// Peer resolves username's current info, refreshing from the directory and
// this username's home server if the cached entry is absent or older than
// peerCacheTTL.
func (m *Manager) Peer(ctx context.Context, username wire.UserName) (PeerInfo, error) {
	cached, ok, err := m.store.loadPeer(ctx, username)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	if ok && wire.Now() < cached.RefreshedAt+wire.NanoTimestamp(peerCacheTTL.Nanoseconds()) {
		return PeerInfo{ServerName: cached.ServerName, Chains: cachedChainsAsMap(cached), MediumPKs: cached.MediumPKs}, nil
	}
	return m.refreshPeer(ctx, username, cached, ok)
}

func cachedChainsAsMap(cached cachedPeer) map[wire.Hash]certs.CertificateChain {
	out := make(map[wire.Hash]certs.CertificateChain, len(cached.Chains))
	for _, chain := range cached.Chains {
		out[xcrypto.HashOfPublicKey(chain.LastDevice().PK)] = chain
	}
	return out
}

// refreshPeer implements the refresh side of spec §4.5's peer info cache:
// fetch all chains, drop any that fail verification under the directory's
// root_cert_hash or whose hash(last_device.pk) doesn't match the device
// hash it was filed under, fetch all medium keys, and merge them per
// device with created-timestamp monotonicity against whatever was cached
// before.
func (m *Manager) refreshPeer(ctx context.Context, username wire.UserName, cached cachedPeer, hadCache bool) (PeerInfo, error) {
	listing, err := m.dir.QueryRaw(ctx, string(username))
	if err != nil {
		return PeerInfo{}, err
	}
	if listing.LatestValue == nil {
		return PeerInfo{}, fmt.Errorf("%w: %s has no directory entry", sealerr.AccessDenied, username)
	}
	var descriptor wire.UserDescriptor
	if err := listing.LatestValue.Decode(&descriptor); err != nil {
		return PeerInfo{}, fmt.Errorf("%w: %s's directory entry is not a user descriptor: %v", sealerr.AccessDenied, username, err)
	}

	rpc, err := resolveServerRPC(ctx, m.dir, descriptor.ServerName)
	if err != nil {
		return PeerInfo{}, err
	}

	var chainsReply struct {
		Chains map[wire.Hash]certs.CertificateChain `json:"chains"`
	}
	if err := rpc.Call(ctx, "v1_device_certs", struct {
		Username wire.UserName `json:"username"`
	}{username}, &chainsReply); err != nil {
		return PeerInfo{}, err
	}

	verified := make(map[wire.Hash]certs.CertificateChain, len(chainsReply.Chains))
	for deviceHash, chain := range chainsReply.Chains {
		if xcrypto.HashOfPublicKey(chain.LastDevice().PK) != deviceHash {
			logging.From(ctx).Warnw("identity: dropping peer chain filed under the wrong device hash", "user", string(username))
			continue
		}
		if err := chain.Verify(descriptor.RootCertHash, time.Now()); err != nil {
			logging.From(ctx).Warnw("identity: dropping unverifiable peer chain", "user", string(username), "err", err)
			continue
		}
		verified[deviceHash] = chain
	}

	var mpksReply struct {
		MediumPKs map[wire.Hash]wire.SignedMediumPK `json:"medium_pks"`
	}
	if err := rpc.Call(ctx, "v1_device_medium_pks", struct {
		Username wire.UserName `json:"username"`
	}{username}, &mpksReply); err != nil {
		return PeerInfo{}, err
	}

	merged := make(map[wire.Hash]wire.SignedMediumPK, len(cached.MediumPKs))
	if hadCache {
		for k, v := range cached.MediumPKs {
			merged[k] = v
		}
	}
	for deviceHash, signed := range mpksReply.MediumPKs {
		if _, ok := verified[deviceHash]; !ok {
			continue // no verified chain for this device; a stale or dropped device
		}
		if existing, has := merged[deviceHash]; has && signed.Created < existing.Created {
			logging.From(ctx).Infow("identity: stale medium key observed, keeping cached", "user", string(username))
			continue
		}
		merged[deviceHash] = signed
	}

	chainList := make([]certs.CertificateChain, 0, len(verified))
	for _, chain := range verified {
		chainList = append(chainList, chain)
	}
	peer := cachedPeer{ServerName: descriptor.ServerName, Chains: chainList, MediumPKs: merged, RefreshedAt: wire.Now()}
	if err := m.store.savePeer(ctx, username, peer); err != nil {
		return PeerInfo{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	return PeerInfo{ServerName: peer.ServerName, Chains: verified, MediumPKs: merged}, nil
}
