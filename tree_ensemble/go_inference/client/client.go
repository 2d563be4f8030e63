package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe/keyring"
	"github.com/Farx1/SA-FHE/pkg/fhe/lattice"
	"github.com/Farx1/SA-FHE/pkg/fhe/lattice/secret"
	"github.com/Farx1/SA-FHE/pkg/fhe/simulate"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/common"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const maxMessageSize = 1024 * 1024 * 1024 // 1GB

type Options struct {
	ClientID string
	// AllowSimulator lets the client talk to a server running the
	// simulated backend.
	AllowSimulator bool
	// Timeout bounds Await when Predict is used.
	Timeout time.Duration
	// MaxRetries is the number of resubmissions after an Overloaded or
	// Timeout error.
	MaxRetries int
	Backoff    time.Duration
	// HistorySize bounds the results kept for Stats.
	HistorySize int
	Logger      *common.Logger
}

func (o *Options) defaults() {
	if o.ClientID == "" {
		o.ClientID = "client"
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	if o.Logger == nil {
		o.Logger = common.Discard()
	}
}

type ClientTiming struct {
	KeyGeneration common.TimingStats
	Encryption    common.TimingStats
	Serialization common.TimingStats
	RoundTrip     common.TimingStats
	Decryption    common.TimingStats
}

// Stats summarizes the predictions a client has completed.
type Stats struct {
	Total             int
	ByLabel           map[string]int
	AverageConfidence float64
	History           []Result
}

type Client struct {
	opts    Options
	conn    *grpc.ClientConn
	rpc     rpc.InferenceClient
	backend keyring.Backend
	model   *Model
	log     *common.Logger

	seq atomic.Uint64

	mu            sync.Mutex
	total         int
	byLabel       map[string]int
	confidenceSum float64
	history       []Result

	timing ClientTiming
}

// Dial connects to the server at addr and fetches its manifest.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %v", err)
	}
	c, err := New(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// New builds a client over an existing connection. The connection is not
// closed by Close.
func New(ctx context.Context, cc grpc.ClientConnInterface, opts Options) (*Client, error) {
	opts.defaults()
	c := &Client{
		opts:    opts,
		rpc:     rpc.NewInferenceClient(cc),
		log:     opts.Logger,
		byLabel: make(map[string]int),
	}
	m, err := c.rpc.Manifest(ctx, &rpc.ManifestRequest{ClientID: opts.ClientID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	if c.model, err = ModelFromManifest(m); err != nil {
		return nil, err
	}
	if c.backend, err = openBackend(m, opts); err != nil {
		return nil, err
	}
	c.log.Printf("connected: backend %s, circuit %s, %d features at %d bits",
		m.Backend, m.CircuitID, m.NumFeatures, m.Bits)
	return c, nil
}

func openBackend(m *rpc.Manifest, opts Options) (keyring.Backend, error) {
	switch m.Backend {
	case lattice.Name:
		return secret.New(m.Parameters)
	case simulate.Name:
		if !opts.AllowSimulator {
			return nil, fault.Errorf(fault.InvalidParameters, "client.New", "server runs the simulated backend")
		}
		return simulate.New(m.Parameters, simulate.Options{TestOnly: true, MaxCompareBits: m.MaxCompareBits})
	}
	return nil, fault.Errorf(fault.InvalidParameters, "client.New", "unknown backend %q", m.Backend)
}

func (c *Client) Model() *Model { return c.model }

func (c *Client) GetTiming() *ClientTiming { return &c.timing }

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Handle is a prediction in flight.
type Handle struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	resp    *rpc.PredictResponse
	err     error
	start   time.Time
}

func (h *Handle) ID() string { return h.session.ID() }

func (h *Handle) Session() *Session { return h.session }

// Cancel abandons h: the call is cancelled and the session fails, zeroing
// its keys. It must not run concurrently with Await.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
	h.session.Fail(fmt.Errorf("request %s abandoned: %w", h.ID(), context.Canceled))
}

func (c *Client) newSession() *Session {
	id := fmt.Sprintf("%s-%d", c.opts.ClientID, c.seq.Add(1))
	return NewSession(id, c.backend, c.model)
}

// Submit encrypts vector under fresh keys and sends it. The returned
// handle resolves once the server answers or ctx ends. Every handle must
// be passed to Await or Cancel; until then its call stays open.
func (c *Client) Submit(ctx context.Context, vector []float64) (*Handle, error) {
	s := c.newSession()

	start := time.Now()
	if err := s.GenerateKeys(); err != nil {
		return nil, err
	}
	c.timing.KeyGeneration.AddSample(time.Since(start))

	start = time.Now()
	if err := s.Quantize(vector); err != nil {
		return nil, err
	}
	if err := s.Encrypt(); err != nil {
		return nil, err
	}
	c.timing.Encryption.AddSample(time.Since(start))

	start = time.Now()
	req, err := s.Request(c.opts.ClientID)
	if err != nil {
		return nil, err
	}
	c.timing.Serialization.AddSample(time.Since(start))
	if err := s.Await(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{session: s, cancel: cancel, done: make(chan struct{}), start: time.Now()}
	go func() {
		defer close(h.done)
		h.resp, h.err = c.rpc.Predict(ctx, req)
	}()
	c.log.Debugf("submitted request %s", s.ID())
	return h, nil
}

// Await waits up to timeout for h and decrypts the answer. On timeout the
// request is cancelled and the session fails with Timeout.
func (c *Client) Await(h *Handle, timeout time.Duration) (*Result, error) {
	defer h.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		return nil, h.session.Fail(fault.Errorf(fault.Timeout, "client.Await", "no result for %s after %s", h.ID(), timeout))
	}
	c.timing.RoundTrip.AddSample(time.Since(h.start))
	if h.err != nil {
		return nil, h.session.Fail(h.err)
	}

	start := time.Now()
	if _, err := h.session.Decrypt(h.resp); err != nil {
		return nil, err
	}
	c.timing.Decryption.AddSample(time.Since(start))
	res, err := h.session.Finish()
	if err != nil {
		return nil, err
	}
	c.record(res)
	return res, nil
}

// Predict submits and awaits, resubmitting from a fresh session after
// Overloaded or Timeout.
func (c *Client) Predict(ctx context.Context, vector []float64) (*Result, error) {
	backoff := c.opts.Backoff
	for attempt := 0; ; attempt++ {
		res, err := c.predictOnce(ctx, vector)
		if err == nil {
			return res, nil
		}
		if !fault.Retryable(err) || attempt >= c.opts.MaxRetries {
			return nil, err
		}
		c.log.Printf("attempt %d failed (%v), retrying in %s", attempt+1, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

func (c *Client) predictOnce(ctx context.Context, vector []float64) (*Result, error) {
	h, err := c.Submit(ctx, vector)
	if err != nil {
		return nil, err
	}
	return c.Await(h, c.opts.Timeout)
}

func (c *Client) Health(ctx context.Context) (*rpc.HealthResponse, error) {
	return c.rpc.Health(ctx, &rpc.HealthRequest{Service: rpc.ServiceName})
}

func (c *Client) record(r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.byLabel[r.Label]++
	c.confidenceSum += r.Confidence
	c.history = append(c.history, *r)
	if len(c.history) > c.opts.HistorySize {
		c.history = c.history[len(c.history)-c.opts.HistorySize:]
	}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Total:   c.total,
		ByLabel: make(map[string]int, len(c.byLabel)),
		History: append([]Result(nil), c.history...),
	}
	for k, v := range c.byLabel {
		st.ByLabel[k] = v
	}
	if c.total > 0 {
		st.AverageConfidence = c.confidenceSum / float64(c.total)
	}
	return st
}
