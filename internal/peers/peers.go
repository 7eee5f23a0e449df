// Package peers serves paged, filtered and sorted views of the node's peer list.
package peers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gustycube/chainlens/internal/logging"
	"github.com/gustycube/chainlens/internal/metrics"
	"github.com/gustycube/chainlens/internal/query"
)

type State string

const (
	Connected    State = "connected"
	Disconnected State = "disconnected"
)

// ParseState accepts the state names and the node's numeric codes
// (2 connected, 1 disconnected).
func ParseState(s string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "connected", "2":
		return Connected, true
	case "disconnected", "1":
		return Disconnected, true
	}
	return "", false
}

type Peer struct {
	IP             string `json:"ip"`
	HTTPPort       int    `json:"httpPort"`
	WSPort         int    `json:"wsPort"`
	OS             string `json:"os"`
	Version        string `json:"version"`
	NetworkVersion string `json:"networkVersion"`
	Height         uint64 `json:"height"`
	Broadhash      string `json:"broadhash"`
	State          State  `json:"state"`
}

// Fields is the peer allow-list for filtering and sorting.
var Fields = query.Fields[Peer]{
	"ip":             {Kind: query.KindString, Value: func(p Peer) string { return p.IP }},
	"httpPort":       {Kind: query.KindNumber, Value: func(p Peer) string { return strconv.Itoa(p.HTTPPort) }},
	"wsPort":         {Kind: query.KindNumber, Value: func(p Peer) string { return strconv.Itoa(p.WSPort) }},
	"os":             {Kind: query.KindString, Value: func(p Peer) string { return p.OS }},
	"version":        {Kind: query.KindString, Value: func(p Peer) string { return p.Version }},
	"networkVersion": {Kind: query.KindString, Value: func(p Peer) string { return p.NetworkVersion }},
	"height":         {Kind: query.KindNumber, Value: func(p Peer) string { return strconv.FormatUint(p.Height, 10) }},
	"broadhash":      {Kind: query.KindString, Value: func(p Peer) string { return p.Broadhash }},
}

// Connector is the upstream that knows the node's peers.
type Connector interface {
	Peers(ctx context.Context) ([]Peer, error)
	ConnectedPeers(ctx context.Context) ([]Peer, error)
	DisconnectedPeers(ctx context.Context) ([]Peer, error)
}

// Params are the caller supplied query parameters.
type Params struct {
	State   string
	Filters map[string]string
	Sort    string
	Offset  int
	Limit   *int
}

type Response = query.Result[Peer]

type Service struct {
	conn Connector
	log  *logging.Logger
}

func NewService(conn Connector, log *logging.Logger) *Service {
	return &Service{conn: conn, log: log}
}

// List fetches the peer subset named by p.State, then pages it. Connector
// errors are returned as is.
func (s *Service) List(ctx context.Context, p Params) (Response, error) {
	ctx, span := otel.Tracer("chainlens/peers").Start(ctx, "List")
	defer span.End()

	sort, err := query.ParseSort(p.Sort)
	if err != nil {
		return Response{}, err
	}
	if sort != nil {
		if _, ok := Fields[sort.Field]; !ok {
			return Response{}, fmt.Errorf("%w: unknown field %q", query.ErrInvalidSort, sort.Field)
		}
	}

	state, ok := ParseState(p.State)
	label := "all"
	if ok {
		label = string(state)
	}
	span.SetAttributes(attribute.String("state", label))
	metrics.PeerQueries.WithLabelValues(label).Inc()

	var list []Peer
	switch state {
	case Connected:
		list, err = s.conn.ConnectedPeers(ctx)
	case Disconnected:
		list, err = s.conn.DisconnectedPeers(ctx)
	default:
		list, err = s.conn.Peers(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("fetch %s peers: %w", label, err)
	}

	res := query.Run(list, Fields, query.Spec{
		Filters: p.Filters,
		Sort:    sort,
		Offset:  p.Offset,
		Limit:   p.Limit,
	})
	s.log.Debugw("peers listed", "state", label, "upstream", len(list), "total", res.Meta.Total, "count", res.Meta.Count)
	return res, nil
}
