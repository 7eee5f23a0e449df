// Package connector talks to the node API that supplies network status and
// peer lists.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gustycube/chainlens/internal/knowledge"
	"github.com/gustycube/chainlens/internal/peers"
)

const (
	statusPath = "/api/network/status"
	peersPath  = "/api/peers"
	statusKey  = "status"
)

var ErrMalformedStatus = errors.New("malformed network status")

type getter interface {
	GetJSON(ctx context.Context, url string, v any) error
}

// Client implements knowledge.StatusProvider and peers.Connector.
type Client struct {
	base   string
	hc     getter
	status *expirable.LRU[string, knowledge.NetworkStatus]
}

// New returns a client for the node API at baseURL. Network status replies
// are reused for statusTTL; zero disables that cache.
func New(baseURL string, hc getter, statusTTL time.Duration) *Client {
	c := &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
	if statusTTL > 0 {
		c.status = expirable.NewLRU[string, knowledge.NetworkStatus](1, nil, statusTTL)
	}
	return c
}

type envelope[T any] struct {
	Data T `json:"data"`
}

func (c *Client) NetworkStatus(ctx context.Context) (knowledge.NetworkStatus, error) {
	if c.status != nil {
		if st, ok := c.status.Get(statusKey); ok {
			return st, nil
		}
	}

	var env envelope[*knowledge.NetworkStatus]
	if err := c.hc.GetJSON(ctx, c.base+statusPath, &env); err != nil {
		return knowledge.NetworkStatus{}, err
	}
	if env.Data == nil {
		return knowledge.NetworkStatus{}, fmt.Errorf("%w: no data", ErrMalformedStatus)
	}
	if !isHex(env.Data.ChainID) {
		return knowledge.NetworkStatus{}, fmt.Errorf("%w: chain id %q", ErrMalformedStatus, env.Data.ChainID)
	}

	if c.status != nil {
		c.status.Add(statusKey, *env.Data)
	}
	return *env.Data, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func (c *Client) Peers(ctx context.Context) ([]peers.Peer, error) {
	return c.peers(ctx, "")
}

func (c *Client) ConnectedPeers(ctx context.Context) ([]peers.Peer, error) {
	return c.peers(ctx, peers.Connected)
}

func (c *Client) DisconnectedPeers(ctx context.Context) ([]peers.Peer, error) {
	return c.peers(ctx, peers.Disconnected)
}

func (c *Client) peers(ctx context.Context, state peers.State) ([]peers.Peer, error) {
	url := c.base + peersPath
	if state != "" {
		url += "?state=" + string(state)
	}
	var env envelope[[]wirePeer]
	if err := c.hc.GetJSON(ctx, url, &env); err != nil {
		return nil, err
	}
	out := make([]peers.Peer, 0, len(env.Data))
	for _, w := range env.Data {
		out = append(out, w.peer())
	}
	return out, nil
}

// wirePeer accepts the state either by name or by numeric code.
type wirePeer struct {
	peers.Peer
	State json.RawMessage `json:"state"`
}

func (w wirePeer) peer() peers.Peer {
	p := w.Peer
	p.State = ""
	raw := strings.Trim(string(w.State), `"`)
	if st, ok := peers.ParseState(raw); ok {
		p.State = st
	}
	return p
}
