package server

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"
)

// PeerScheme is the gRPC target scheme for peers: "blockraft:///<nodeID>".
const PeerScheme = "blockraft"

// PeerTarget returns the gRPC dial target for a node id.
func PeerTarget(id NodeID) string {
	return fmt.Sprintf("%s:///%s", PeerScheme, id)
}

// peerResolverBuilder resolves node ids to addresses from a peer directory. Each transport owns one and hands it to
// gRPC through grpc.WithResolvers, so several nodes in one process never share a directory.
type peerResolverBuilder struct {
	mu       sync.RWMutex
	records  map[NodeID]NodeAddress
	watchers map[NodeID]map[*peerResolver]struct{}
}

func newPeerResolverBuilder(peers map[NodeID]NodeAddress) *peerResolverBuilder {
	b := &peerResolverBuilder{
		records:  make(map[NodeID]NodeAddress, len(peers)),
		watchers: make(map[NodeID]map[*peerResolver]struct{}),
	}
	for id, addr := range peers {
		b.records[id] = addr
	}
	return b
}

func (*peerResolverBuilder) Scheme() string { return PeerScheme }

// SetAddress sets/updates the address for an ID and notifies any active resolvers.
func (b *peerResolverBuilder) SetAddress(id NodeID, addr NodeAddress) {
	b.mu.Lock()
	b.records[id] = addr
	watchers := make([]*peerResolver, 0, len(b.watchers[id]))
	for w := range b.watchers[id] {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy.
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (b *peerResolverBuilder) lookup(id NodeID) (NodeAddress, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.records[id]
	return addr, ok
}

func (b *peerResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	// Accept "blockraft:///id" or "blockraft://cluster/id".
	id := NodeID(target.Endpoint())
	if id == "" {
		id = NodeID(strings.TrimPrefix(target.URL.Path, "/"))
	}
	if id == "" {
		return nil, fmt.Errorf("%s resolver: empty target endpoint: %s", PeerScheme, target.URL.String())
	}

	r := &peerResolver{id: id, cc: cc, builder: b}
	b.mu.Lock()
	set := b.watchers[id]
	if set == nil {
		set = make(map[*peerResolver]struct{})
		b.watchers[id] = set
	}
	set[r] = struct{}{}
	b.mu.Unlock()

	r.pushCurrent()
	return r, nil
}

type peerResolver struct {
	id      NodeID
	cc      resolver.ClientConn
	builder *peerResolverBuilder
}

func (r *peerResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *peerResolver) Close() {
	r.builder.mu.Lock()
	defer r.builder.mu.Unlock()
	if set, ok := r.builder.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.builder.watchers, r.id)
		}
	}
}

func (r *peerResolver) pushCurrent() {
	addr, ok := r.builder.lookup(r.id)
	if !ok || addr == "" {
		r.cc.ReportError(fmt.Errorf("%s resolver: no address for node %s", PeerScheme, r.id))
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: string(addr)}},
	})
}
