// Package dataservice is what the API gateway calls: account knowledge
// lookups, knowledge reloads and peer listings.
package dataservice

import (
	"context"

	"github.com/gustycube/chainlens/internal/knowledge"
	"github.com/gustycube/chainlens/internal/logging"
	"github.com/gustycube/chainlens/internal/peers"
)

type refresher interface {
	Refresh(ctx context.Context) (knowledge.Outcome, error)
}

type peerLister interface {
	List(ctx context.Context, p peers.Params) (peers.Response, error)
}

type Service struct {
	store     *knowledge.Store
	refresher refresher
	peers     peerLister
	log       *logging.Logger
}

func New(store *knowledge.Store, r refresher, p peerLister, log *logging.Logger) *Service {
	return &Service{store: store, refresher: r, peers: p, log: log}
}

// GetAccountKnowledge never fails; unknown addresses get the empty record.
func (s *Service) GetAccountKnowledge(address string) knowledge.Record {
	return s.store.Lookup(address)
}

// ReloadAccountKnowledge refreshes the knowledge table. Failures are logged
// by the refresher and leave the current table in place.
func (s *Service) ReloadAccountKnowledge(ctx context.Context) {
	if _, err := s.refresher.Refresh(ctx); err != nil {
		s.log.Debugw("knowledge reload did not publish a new table", "err", err)
	}
}

func (s *Service) GetNetworkPeers(ctx context.Context, p peers.Params) (peers.Response, error) {
	return s.peers.List(ctx, p)
}
