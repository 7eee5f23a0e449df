package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/gustycube/chainlens/internal/httpclient"
	"github.com/gustycube/chainlens/internal/logging"
	"github.com/gustycube/chainlens/internal/metrics"
	"github.com/gustycube/chainlens/internal/network"
)

const (
	documentName          = "known_accounts.json"
	defaultRefreshTimeout = 2 * time.Minute
)

var (
	ErrStatusUnavailable   = errors.New("network status unavailable")
	ErrUnknownChain        = errors.New("chain id matches no configured network")
	ErrDocumentUnavailable = errors.New("knowledge document unavailable")
	ErrMalformedDocument   = errors.New("knowledge document is not an object")
)

// NetworkStatus is the part of the node status the refresher needs.
type NetworkStatus struct {
	ChainID     string `json:"chainID"`
	Height      uint64 `json:"height"`
	LastBlockID string `json:"lastBlockID"`
}

type StatusProvider interface {
	NetworkStatus(ctx context.Context) (NetworkStatus, error)
}

type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) (httpclient.Document, error)
}

// Snapshotter keeps a copy of the last good snapshot outside the process.
type Snapshotter interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
}

// Outcome describes a successful refresh.
type Outcome struct {
	ChainID  string
	Network  string
	URL      string
	Records  int
	Skipped  int
	Duration time.Duration
}

type Refresher struct {
	store     *Store
	resolver  *network.Resolver
	status    StatusProvider
	docs      DocumentFetcher
	snapshots Snapshotter
	baseURL   string
	log       *logging.Logger
	group     singleflight.Group
	timeout   time.Duration
	now       func() time.Time
}

type Option func(*Refresher)

// WithSnapshotter persists every published table and enables Warm.
func WithSnapshotter(s Snapshotter) Option {
	return func(r *Refresher) { r.snapshots = s }
}

// WithTimeout bounds a single refresh run.
func WithTimeout(d time.Duration) Option {
	return func(r *Refresher) { r.timeout = d }
}

func NewRefresher(store *Store, resolver *network.Resolver, status StatusProvider, docs DocumentFetcher, baseURL string, log *logging.Logger, opts ...Option) *Refresher {
	r := &Refresher{
		store:    store,
		resolver: resolver,
		status:   status,
		docs:     docs,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log,
		timeout:  defaultRefreshTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DocumentURL is where the knowledge document of a network lives.
func (r *Refresher) DocumentURL(networkName string) string {
	return r.baseURL + "/" + url.PathEscape(networkName) + "/" + documentName
}

// Refresh fetches the current network's document and publishes it. On any
// error the active table is left as it was. Concurrent callers share one run,
// which is not cancelled when the caller that started it goes away.
func (r *Refresher) Refresh(ctx context.Context) (Outcome, error) {
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.refresh(runCtx)
	})
	out, _ := v.(Outcome)
	return out, err
}

func (r *Refresher) refresh(ctx context.Context) (Outcome, error) {
	ctx, span := otel.Tracer("chainlens/knowledge").Start(ctx, "Refresh")
	defer span.End()

	start := r.now()
	out, err := r.run(ctx)
	out.Duration = r.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.KnowledgeRefreshes.WithLabelValues(outcomeLabel(err)).Inc()
		r.log.Warnw("knowledge refresh skipped, keeping current table",
			"err", err, "chain_id", out.ChainID, "network", out.Network, "url", out.URL,
			"records", r.store.Len())
		return out, err
	}

	span.SetAttributes(attribute.String("network", out.Network), attribute.Int("records", out.Records))
	metrics.KnowledgeRefreshes.WithLabelValues("ok").Inc()
	metrics.KnowledgeRecords.Set(float64(out.Records))
	metrics.KnowledgeLastSuccess.Set(float64(r.store.LoadedAt().Unix()))
	r.log.Infow("knowledge table refreshed",
		"network", out.Network, "records", out.Records, "skipped", out.Skipped, "took", out.Duration)
	return out, nil
}

func (r *Refresher) run(ctx context.Context) (Outcome, error) {
	var out Outcome

	status, err := r.status.NetworkStatus(ctx)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrStatusUnavailable, err)
	}
	out.ChainID = status.ChainID

	name, ok := r.resolver.ResolveByChainID(status.ChainID)
	if !ok {
		return out, fmt.Errorf("%w: %q", ErrUnknownChain, status.ChainID)
	}
	out.Network = name
	out.URL = r.DocumentURL(name)

	doc, err := r.docs.Fetch(ctx, out.URL)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}
	if doc.Status != http.StatusOK {
		return out, fmt.Errorf("%w: status %d", ErrDocumentUnavailable, doc.Status)
	}
	table, skipped, err := ParseDocument(doc.Data)
	if err != nil {
		return out, err
	}
	snap := Snapshot{Records: table, Network: name, LoadedAt: r.now().UTC()}
	r.store.Replace(snap)
	out.Records, out.Skipped = len(table), skipped

	if r.snapshots != nil {
		if err := r.snapshots.Save(ctx, snap); err != nil {
			r.log.Warnw("knowledge snapshot not saved", "err", err)
		}
	}
	return out, nil
}

// ParseDocument turns a decoded known accounts document into a Table. It
// keeps entries whose value is an object and reports how many were skipped.
// Non-string owner or description fields read as empty.
func ParseDocument(data interface{}) (Table, int, error) {
	obj, ok := data.(map[string]interface{})
	if !ok {
		return nil, 0, fmt.Errorf("%w: got %T", ErrMalformedDocument, data)
	}
	table := make(Table, len(obj))
	skipped := 0
	for addr, v := range obj {
		fields, ok := v.(map[string]interface{})
		if !ok {
			skipped++
			continue
		}
		var rec Record
		rec.Owner, _ = fields["owner"].(string)
		rec.Description, _ = fields["description"].(string)
		table[addr] = rec
	}
	return table, skipped, nil
}

// Warm publishes the saved snapshot when nothing has been loaded yet and the
// node currently reports the network the snapshot was taken on. Otherwise the
// table stays empty until the first successful refresh.
func (r *Refresher) Warm(ctx context.Context) error {
	if r.snapshots == nil || !r.store.LoadedAt().IsZero() {
		return nil
	}
	snap, ok, err := r.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load knowledge snapshot: %w", err)
	}
	if !ok {
		return nil
	}

	status, err := r.status.NetworkStatus(ctx)
	if err != nil {
		return fmt.Errorf("snapshot not used: %w: %v", ErrStatusUnavailable, err)
	}
	name, ok := r.resolver.ResolveByChainID(status.ChainID)
	if !ok {
		return fmt.Errorf("snapshot not used: %w: %q", ErrUnknownChain, status.ChainID)
	}
	if name != snap.Network {
		r.log.Infow("knowledge snapshot belongs to another network, not used",
			"snapshot_network", snap.Network, "network", name)
		return nil
	}

	r.store.Replace(snap)
	metrics.KnowledgeRecords.Set(float64(len(snap.Records)))
	r.log.Infow("knowledge table warmed from snapshot",
		"network", snap.Network, "records", len(snap.Records), "loaded_at", snap.LoadedAt)
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrStatusUnavailable):
		return "status_error"
	case errors.Is(err, ErrUnknownChain):
		return "unknown_chain"
	case errors.Is(err, ErrMalformedDocument):
		return "malformed"
	default:
		return "fetch_error"
	}
}
