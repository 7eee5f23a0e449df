package peers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gustycube/chainlens/internal/logging"
	"github.com/gustycube/chainlens/internal/query"
)

type fakeConnector struct {
	all, connected, disconnected []Peer
	err                          error
	calls                        []string
}

func (f *fakeConnector) Peers(ctx context.Context) ([]Peer, error) {
	f.calls = append(f.calls, "all")
	return f.all, f.err
}

func (f *fakeConnector) ConnectedPeers(ctx context.Context) ([]Peer, error) {
	f.calls = append(f.calls, "connected")
	return f.connected, f.err
}

func (f *fakeConnector) DisconnectedPeers(ctx context.Context) ([]Peer, error) {
	f.calls = append(f.calls, "disconnected")
	return f.disconnected, f.err
}

// tenPeers returns ten connected peers with heights 10 to 100, unordered.
func tenPeers() []Peer {
	heights := []uint64{50, 10, 90, 70, 30, 100, 20, 80, 60, 40}
	out := make([]Peer, 0, len(heights))
	for i, h := range heights {
		out = append(out, Peer{
			IP:       fmt.Sprintf("10.0.0.%d", i+1),
			HTTPPort: 7000,
			WSPort:   7001,
			OS:       "linux",
			Version:  "3.0.0",
			Height:   h,
			State:    Connected,
		})
	}
	return out
}

func heights(ps []Peer) []uint64 {
	out := make([]uint64, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Height)
	}
	return out
}

func intp(n int) *int { return &n }

func TestList_ConnectedSortedPage(t *testing.T) {
	conn := &fakeConnector{connected: tenPeers()}
	svc := NewService(conn, logging.Nop())

	res, err := svc.List(context.Background(), Params{
		State:  "connected",
		Sort:   "height:desc",
		Limit:  intp(5),
		Offset: 1,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"connected"}, conn.calls)
	require.Equal(t, []uint64{90, 80, 70, 60, 50}, heights(res.Data))
	require.Equal(t, query.Meta{Count: 5, Offset: 1, Total: 10}, res.Meta)
}

func TestList_StateSelectsUpstream(t *testing.T) {
	tests := []struct {
		state string
		want  string
	}{
		{"connected", "connected"},
		{"CONNECTED", "connected"},
		{"2", "connected"},
		{"disconnected", "disconnected"},
		{"1", "disconnected"},
		{"", "all"},
		{"banned", "all"},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			conn := &fakeConnector{}
			_, err := NewService(conn, logging.Nop()).List(context.Background(), Params{State: tt.state})
			require.NoError(t, err)
			require.Equal(t, []string{tt.want}, conn.calls)
		})
	}
}

func TestList_FiltersAndAscSort(t *testing.T) {
	ps := tenPeers()
	ps[2].OS = "darwin"
	ps[5].OS = "darwin"
	conn := &fakeConnector{all: ps}

	res, err := NewService(conn, logging.Nop()).List(context.Background(), Params{
		Filters: map[string]string{"os": "darwin", "unknown": "x"},
		Sort:    "height:asc",
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{90, 100}, heights(res.Data))
	require.Equal(t, query.Meta{Count: 2, Offset: 0, Total: 2}, res.Meta)

	res, err = NewService(conn, logging.Nop()).List(context.Background(), Params{
		Filters: map[string]string{"height": "70"},
	})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.4", res.Data[0].IP)
}

func TestList_ConnectorErrorPropagates(t *testing.T) {
	upstream := errors.New("node unreachable")
	conn := &fakeConnector{err: upstream}

	_, err := NewService(conn, logging.Nop()).List(context.Background(), Params{State: "connected"})
	require.ErrorIs(t, err, upstream)
}

func TestList_InvalidSort(t *testing.T) {
	svc := NewService(&fakeConnector{}, logging.Nop())

	_, err := svc.List(context.Background(), Params{Sort: "height:sideways"})
	require.ErrorIs(t, err, query.ErrInvalidSort)

	_, err = svc.List(context.Background(), Params{Sort: "color:asc"})
	require.ErrorIs(t, err, query.ErrInvalidSort)
}

func TestParseState(t *testing.T) {
	s, ok := ParseState(" Disconnected ")
	require.True(t, ok)
	require.Equal(t, Disconnected, s)

	_, ok = ParseState("0")
	require.False(t, ok)
}
