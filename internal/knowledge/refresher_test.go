package knowledge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/chainlens/internal/httpclient"
	"github.com/gustycube/chainlens/internal/logging"
	"github.com/gustycube/chainlens/internal/network"
)

type fakeStatus struct {
	chainID string
	err     error
}

func (f *fakeStatus) NetworkStatus(ctx context.Context) (NetworkStatus, error) {
	if f.err != nil {
		return NetworkStatus{}, f.err
	}
	return NetworkStatus{ChainID: f.chainID, Height: 100}, nil
}

type fakeDocs struct {
	mu    sync.Mutex
	doc   httpclient.Document
	err   error
	urls  []string
	calls int32
	block chan struct{}
}

func (f *fakeDocs) Fetch(ctx context.Context, url string) (httpclient.Document, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if err := ctx.Err(); err != nil {
		return httpclient.Document{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return f.doc, f.err
}

type memSnapshots struct {
	saved *Snapshot
	err   error
}

func (m *memSnapshots) Save(ctx context.Context, snap Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.saved = &snap
	return nil
}

func (m *memSnapshots) Load(ctx context.Context) (Snapshot, bool, error) {
	if m.saved == nil {
		return Snapshot{}, false, m.err
	}
	return *m.saved, true, nil
}

var seedDocument = map[string]interface{}{
	"address1": map[string]interface{}{"owner": "LiskHQ", "description": "Initial seed"},
	"address2": map[string]interface{}{"owner": "Genesis", "description": "Initial seed"},
}

func newTestRefresher(status StatusProvider, docs DocumentFetcher, opts ...Option) (*Refresher, *Store) {
	store := NewStore()
	resolver := network.NewResolver(network.Default(), network.DefaultIDLength)
	r := NewRefresher(store, resolver, status, docs, "https://static.example.com/", logging.Nop(), opts...)
	return r, store
}

func TestRefresh_PublishesDocument(t *testing.T) {
	docs := &fakeDocs{doc: httpclient.Document{Status: http.StatusOK, Data: seedDocument}}
	r, store := newTestRefresher(&fakeStatus{chainID: "00000001"}, docs)

	require.Equal(t, Record{}, store.Lookup("address1"))

	out, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "mainnet", out.Network)
	require.Equal(t, 2, out.Records)
	require.Equal(t, []string{"https://static.example.com/mainnet/known_accounts.json"}, docs.urls)

	require.Equal(t, Record{Owner: "LiskHQ", Description: "Initial seed"}, store.Lookup("address1"))
	require.Equal(t, Record{Owner: "Genesis", Description: "Initial seed"}, store.Lookup("address2"))
	require.Equal(t, Record{}, store.Lookup("address3"))
	require.False(t, store.LoadedAt().IsZero())
}

func TestRefresh_IsIdempotent(t *testing.T) {
	docs := &fakeDocs{doc: httpclient.Document{Status: http.StatusOK, Data: seedDocument}}
	r, store := newTestRefresher(&fakeStatus{chainID: "00000000"}, docs)

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	first := store.Snapshot().Records

	_, err = r.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, store.Snapshot().Records)
}

func TestRefresh_FailuresKeepTable(t *testing.T) {
	tests := []struct {
		name    string
		status  *fakeStatus
		doc     httpclient.Document
		docErr  error
		wantErr error
	}{
		{"status error", &fakeStatus{err: errors.New("connection refused")}, httpclient.Document{}, nil, ErrStatusUnavailable},
		{"unknown chain", &fakeStatus{chainID: "ff000000"}, httpclient.Document{}, nil, ErrUnknownChain},
		{"transport error", &fakeStatus{chainID: "00000000"}, httpclient.Document{}, errors.New("timeout"), ErrDocumentUnavailable},
		{"not found", &fakeStatus{chainID: "00000000"}, httpclient.Document{Status: http.StatusNotFound}, nil, ErrDocumentUnavailable},
		{"server error", &fakeStatus{chainID: "00000000"}, httpclient.Document{Status: http.StatusBadGateway, Data: seedDocument}, nil, ErrDocumentUnavailable},
		{"null body", &fakeStatus{chainID: "00000000"}, httpclient.Document{Status: http.StatusOK}, nil, ErrMalformedDocument},
		{"array body", &fakeStatus{chainID: "00000000"}, httpclient.Document{Status: http.StatusOK, Data: []interface{}{"a"}}, nil, ErrMalformedDocument},
		{"scalar body", &fakeStatus{chainID: "00000000"}, httpclient.Document{Status: http.StatusOK, Data: "oops"}, nil, ErrMalformedDocument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := &fakeDocs{}
			r, store := newTestRefresher(tt.status, docs)

			before := Snapshot{Records: Table{"address1": {Owner: "Old", Description: "kept"}}, Network: "mainnet", LoadedAt: time.Unix(1, 0)}
			store.Replace(before)

			docs.doc, docs.err = tt.doc, tt.docErr
			_, err := r.Refresh(context.Background())
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, before, store.Snapshot())
		})
	}
}

func TestRefresh_SkipsNonObjectEntries(t *testing.T) {
	docs := &fakeDocs{doc: httpclient.Document{Status: http.StatusOK, Data: map[string]interface{}{
		"good":    map[string]interface{}{"owner": "A", "description": 7.0},
		"bad":     "not a record",
		"alsobad": nil,
	}}}
	r, store := newTestRefresher(&fakeStatus{chainID: "01000000"}, docs)

	out, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "testnet", out.Network)
	require.Equal(t, 1, out.Records)
	require.Equal(t, 2, out.Skipped)
	require.Equal(t, Record{Owner: "A"}, store.Lookup("good"))
}

func TestRefresh_ConcurrentCallsShareOneRun(t *testing.T) {
	docs := &fakeDocs{
		doc:   httpclient.Document{Status: http.StatusOK, Data: seedDocument},
		block: make(chan struct{}),
	}
	r, _ := newTestRefresher(&fakeStatus{chainID: "00000000"}, docs)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Refresh(context.Background())
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&docs.calls) == 1 }, time.Second, time.Millisecond)
	// give the other callers time to join the in-flight run
	time.Sleep(20 * time.Millisecond)
	close(docs.block)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&docs.calls))
}

func TestRefresh_SavesSnapshotAndWarms(t *testing.T) {
	snaps := &memSnapshots{}
	docs := &fakeDocs{doc: httpclient.Document{Status: http.StatusOK, Data: seedDocument}}
	r, _ := newTestRefresher(&fakeStatus{chainID: "00000000"}, docs, WithSnapshotter(snaps))

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snaps.saved)
	require.Len(t, snaps.saved.Records, 2)

	cold, store := newTestRefresher(&fakeStatus{chainID: "00000000"}, &fakeDocs{}, WithSnapshotter(snaps))
	require.NoError(t, cold.Warm(context.Background()))
	require.Equal(t, "LiskHQ", store.Lookup("address1").Owner)
	require.Equal(t, "mainnet", store.Snapshot().Network)
}

func TestWarm_SnapshotFromOtherNetworkIsNotUsed(t *testing.T) {
	snaps := &memSnapshots{saved: &Snapshot{
		Records:  Table{"address1": {Owner: "LiskHQ"}},
		Network:  "mainnet",
		LoadedAt: time.Unix(100, 0),
	}}
	docs := &fakeDocs{doc: httpclient.Document{Status: http.StatusNotFound}}
	r, store := newTestRefresher(&fakeStatus{chainID: "01000000"}, docs, WithSnapshotter(snaps))

	require.NoError(t, r.Warm(context.Background()))
	require.Equal(t, Record{}, store.Lookup("address1"))
	require.True(t, store.LoadedAt().IsZero())

	_, err := r.Refresh(context.Background())
	require.ErrorIs(t, err, ErrDocumentUnavailable)
	require.Equal(t, Record{}, store.Lookup("address1"))
}

func TestWarm_StatusUnavailableLeavesTableEmpty(t *testing.T) {
	snaps := &memSnapshots{saved: &Snapshot{Records: Table{"address1": {Owner: "LiskHQ"}}, Network: "mainnet"}}

	r, store := newTestRefresher(&fakeStatus{err: errors.New("down")}, &fakeDocs{}, WithSnapshotter(snaps))
	require.ErrorIs(t, r.Warm(context.Background()), ErrStatusUnavailable)
	require.Equal(t, Record{}, store.Lookup("address1"))

	r, store = newTestRefresher(&fakeStatus{chainID: "ff000000"}, &fakeDocs{}, WithSnapshotter(snaps))
	require.ErrorIs(t, r.Warm(context.Background()), ErrUnknownChain)
	require.Zero(t, store.Len())
}

func TestRefresh_SurvivesCancelledCaller(t *testing.T) {
	docs := &fakeDocs{
		doc:   httpclient.Document{Status: http.StatusOK, Data: seedDocument},
		block: make(chan struct{}),
	}
	r, store := newTestRefresher(&fakeStatus{chainID: "00000000"}, docs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&docs.calls) == 1 }, time.Second, time.Millisecond)
	cancel()
	close(docs.block)

	require.NoError(t, <-done)
	require.Equal(t, 2, store.Len())
}

func TestRefresh_Timeout(t *testing.T) {
	docs := &fakeDocs{
		doc:   httpclient.Document{Status: http.StatusOK, Data: seedDocument},
		block: make(chan struct{}),
	}
	r, store := newTestRefresher(&fakeStatus{chainID: "00000000"}, docs, WithTimeout(10*time.Millisecond))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(docs.block)
	}()
	_, err := r.Refresh(context.Background())
	require.ErrorIs(t, err, ErrDocumentUnavailable)
	require.Contains(t, err.Error(), context.DeadlineExceeded.Error())
	require.Zero(t, store.Len())
}

func TestParseDocument(t *testing.T) {
	table, skipped, err := ParseDocument(map[string]interface{}{
		"a": map[string]interface{}{"owner": "A"},
		"b": 3.0,
	})
	require.NoError(t, err)
	require.Equal(t, Table{"a": {Owner: "A"}}, table)
	require.Equal(t, 1, skipped)

	for _, data := range []interface{}{nil, []interface{}{}, "x"} {
		_, _, err := ParseDocument(data)
		require.ErrorIs(t, err, ErrMalformedDocument)
	}
}

func TestRefresh_SnapshotSaveErrorIsNotFatal(t *testing.T) {
	snaps := &memSnapshots{err: errors.New("redis down")}
	docs := &fakeDocs{doc: httpclient.Document{Status: http.StatusOK, Data: seedDocument}}
	r, store := newTestRefresher(&fakeStatus{chainID: "00000000"}, docs, WithSnapshotter(snaps))

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	snaps.err = nil
	snaps.saved = &Snapshot{Records: Table{"other": {Owner: "Stale"}}}
	require.NoError(t, r.Warm(context.Background()))
	require.Equal(t, Record{}, store.Lookup("other"))
}

func TestWarm_NoSnapshot(t *testing.T) {
	r, store := newTestRefresher(&fakeStatus{}, &fakeDocs{}, WithSnapshotter(&memSnapshots{}))
	require.NoError(t, r.Warm(context.Background()))
	require.Zero(t, store.Len())

	r, _ = newTestRefresher(&fakeStatus{}, &fakeDocs{})
	require.NoError(t, r.Warm(context.Background()))
}
