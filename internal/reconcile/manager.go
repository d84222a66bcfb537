// Package reconcile merges the push stream and the REST snapshot into one
// candle series per chart session and decides which source is
// authoritative at any instant.
//
// All session state is owned by the goroutine running Manager.Run. Stream
// messages, fetch results, timers and API calls reach it as events on one
// queue, so state is never mutated concurrently.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"chartfeed/internal/fetch"
	"chartfeed/internal/indicator"
	"chartfeed/internal/logger"
	"chartfeed/internal/marketdata/agg"
	"chartfeed/internal/marketdata/stream"
	"chartfeed/internal/model"
	"chartfeed/internal/pattern"
)

// ErrStopped is returned by queries after Run has returned.
var ErrStopped = errors.New("reconcile: manager stopped")

// Sink receives every published update. Publish is called on the manager
// goroutine and must not block for long.
type Sink interface {
	Publish(u model.Update)
}

// Sinks fans one update out to several sinks in order.
type Sinks []Sink

func (s Sinks) Publish(u model.Update) {
	for _, sink := range s {
		sink.Publish(u)
	}
}

// Subscriber controls the push-stream subscription set.
type Subscriber interface {
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
}

// Journal records finalized stream-built candles.
type Journal interface {
	Append(symbol string, c model.Candle)
}

// VWAPSource returns the upstream's own VWAP for a symbol.
type VWAPSource interface {
	VWAP(ctx context.Context, symbol string) (model.VWAPQuote, error)
}

// Config holds the manager timings.
type Config struct {
	StaleTimeout     time.Duration
	PollInterval     time.Duration
	VWAPPollInterval time.Duration // zero disables the VWAP overlay poll
	SpikeExpiry      time.Duration
	QueueSize        int
	Fetch            fetch.Config
	Indicators       indicator.Config
}

func (c *Config) defaults() {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SpikeExpiry <= 0 {
		c.SpikeExpiry = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Deps are the manager's collaborators. Fetcher, Subscriber and Sink are
// required.
type Deps struct {
	Fetcher    fetch.Fetcher
	Subscriber Subscriber
	Sink       Sink
	Journal    Journal
	VWAP       VWAPSource
	Detectors  []pattern.Detector
	Logger     *slog.Logger
}

// Hooks are optional observation callbacks. Set them before calling Run.
type Hooks struct {
	OnTransition  func(from, to model.Phase)
	OnTick        func()
	OnDroppedTick func(reason string)
	OnFinalized   func()
	OnStale       func()
	OnSuperseded  func()
	OnPublish     func(kind model.UpdateKind)
	OnFetch       func(kind fetch.Kind)
	OnFetchTry    func(attempt int)
	OnCompute     func(full bool, d time.Duration)
}

type (
	selectEvent   struct{ symbol string }
	deselectEvent struct{}
	fetchEvent    struct{ res fetch.Result }
	staleEvent    struct{ gen uint64 }
	pollEvent     struct{ gen uint64 }
	vwapTickEvent struct{ gen uint64 }
	spikeEvent    struct{ gen uint64 }
	vwapEvent     struct {
		gen   uint64
		quote model.VWAPQuote
		err   error
	}
	statusQuery struct{ reply chan model.Status }
)

// Manager is the single writer for one chart session.
type Manager struct {
	cfg    Config
	deps   Deps
	base   *slog.Logger
	events chan any
	done   chan struct{}
	ctrl   *fetch.Controller
	last   atomic.Pointer[model.Status]

	Hooks Hooks

	// Owned by the Run goroutine.
	runCtx     context.Context
	log        *slog.Logger
	symbol     string
	sessionID  string
	gen        uint64
	phase      model.Phase
	feed       model.FeedState
	streamOpen bool
	upstreamUp bool
	agg        *agg.Aggregator
	series     series
	ind        *indicator.Engine
	noData     bool
	lastErr    error
	proxy      *model.VWAPQuote
	proxyAt    time.Time
	staleTimer *time.Timer
	pollTimer  *time.Timer
	vwapTimer  *time.Timer
	vwapCancel context.CancelFunc
	vwapBusy   bool
	spikes     map[string]model.VolumeSpike
	spikeTimer *time.Timer
	now        func() time.Time
}

// New creates a manager. Nothing runs until Run is called.
func New(cfg Config, deps Deps) *Manager {
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Detectors == nil {
		deps.Detectors = pattern.Default()
	}
	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		base:   deps.Logger.With("component", "reconcile"),
		events: make(chan any, cfg.QueueSize),
		done:   make(chan struct{}),
		phase:  model.PhaseClosed,
		agg:    agg.New(),
		series: newSeries(),
		ind:    indicator.NewEngine(cfg.Indicators),
		spikes: make(map[string]model.VolumeSpike),
		now:    time.Now,
	}
	m.log = m.base

	m.ctrl = fetch.NewController(deps.Fetcher, cfg.Fetch, func(r fetch.Result) {
		m.post(fetchEvent{res: r})
	}, deps.Logger)
	m.ctrl.OnAttempt = func(_ string, attempt int) {
		if m.Hooks.OnFetchTry != nil {
			m.Hooks.OnFetchTry(attempt)
		}
	}
	m.ctrl.OnResult = func(k fetch.Kind) {
		if m.Hooks.OnFetch != nil {
			m.Hooks.OnFetch(k)
		}
	}
	m.agg.OnDroppedTick = func(r agg.DropReason) { m.dropped(r.String()) }
	m.agg.OnFinalized = func(model.Candle) {
		if m.Hooks.OnFinalized != nil {
			m.Hooks.OnFinalized()
		}
	}
	m.ind.OnCompute = func(full bool, d time.Duration) {
		if m.Hooks.OnCompute != nil {
			m.Hooks.OnCompute(full, d)
		}
	}
	st := m.status()
	m.last.Store(&st)
	return m
}

// SelectSymbol switches the session to symbol. Selecting the current
// symbol is a no-op; an empty symbol deselects.
func (m *Manager) SelectSymbol(symbol string) {
	m.post(selectEvent{symbol: strings.ToUpper(strings.TrimSpace(symbol))})
}

// Deselect closes the session.
func (m *Manager) Deselect() {
	m.post(deselectEvent{})
}

// Status asks the manager goroutine for the current status.
func (m *Manager) Status(ctx context.Context) (model.Status, error) {
	reply := make(chan model.Status, 1)
	select {
	case m.events <- statusQuery{reply: reply}:
	case <-ctx.Done():
		return model.Status{}, ctx.Err()
	case <-m.done:
		return model.Status{}, ErrStopped
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return model.Status{}, ctx.Err()
	case <-m.done:
		return model.Status{}, ErrStopped
	}
}

// LastStatus returns the status attached to the most recent update
// without going through the event queue.
func (m *Manager) LastStatus() model.Status {
	return *m.last.Load()
}

func (m *Manager) post(e any) {
	select {
	case m.events <- e:
	case <-m.done:
	}
}

// Run processes stream messages and internal events until ctx is
// cancelled. It must be called exactly once.
func (m *Manager) Run(ctx context.Context, in <-chan stream.Message) error {
	m.runCtx = ctx
	defer close(m.done)
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			m.onStream(msg)
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev any) {
	switch e := ev.(type) {
	case selectEvent:
		if e.symbol == "" {
			m.deselect()
			return
		}
		m.selectSymbol(e.symbol)
	case deselectEvent:
		m.deselect()
	case fetchEvent:
		m.onFetch(e.res)
	case staleEvent:
		m.onStaleCheck(e.gen)
	case pollEvent:
		m.onPoll(e.gen)
	case vwapTickEvent:
		m.onVWAPTick(e.gen)
	case vwapEvent:
		m.onVWAP(e)
	case spikeEvent:
		m.onSpikeExpiry(e.gen)
	case statusQuery:
		e.reply <- m.status()
	}
}

func (m *Manager) shutdown() {
	m.teardown()
	if m.symbol != "" {
		m.unsubscribe(m.symbol)
	}
	m.ctrl.Close()
	m.transition(model.PhaseClosed)
}

// ─── symbol lifecycle ──────────────────────────────────────────────────────

func (m *Manager) selectSymbol(sym string) {
	if sym == m.symbol {
		return
	}
	old := m.symbol
	m.teardown()
	if old != "" {
		m.unsubscribe(old)
		m.agg.Reset(old)
	}

	m.symbol = sym
	m.gen++
	m.sessionID = logger.NewSessionID()
	m.log = m.base.With("symbol", sym, "session_id", m.sessionID)
	m.resetData()

	m.ctrl.SetSymbol(sym)
	if err := m.deps.Subscriber.Subscribe(sym); err != nil {
		m.log.Warn("subscribe failed, will retry on reconnect", "error", err)
	}
	m.log.Info("symbol selected", "previous", old, "generation", m.gen)

	// A switch while Loading stays in Loading; the transition hook only
	// fires on real phase changes.
	m.transition(model.PhaseLoading)
	m.armPoll()
	m.armVWAP()
	m.armSpike()
	m.publish(model.UpdateReplace)
}

func (m *Manager) deselect() {
	if m.symbol == "" {
		return
	}
	old := m.symbol
	m.teardown()
	m.unsubscribe(old)
	m.agg.Reset(old)
	m.ctrl.SetSymbol("")

	m.symbol = ""
	m.gen++
	m.resetData()
	m.transition(model.PhaseClosed)
	m.log.Info("symbol deselected", "symbol", old)
	m.log = m.base

	u := m.update(model.UpdateReplace)
	u.Symbol = old
	m.emit(u)
}

func (m *Manager) resetData() {
	m.series = newSeries()
	m.ind.Reset()
	m.feed = model.FeedState{}
	m.noData = false
	m.lastErr = nil
	m.proxy = nil
}

func (m *Manager) teardown() {
	stopTimer(&m.staleTimer)
	stopTimer(&m.pollTimer)
	stopTimer(&m.vwapTimer)
	stopTimer(&m.spikeTimer)
	if m.vwapCancel != nil {
		m.vwapCancel()
		m.vwapCancel = nil
	}
	m.vwapBusy = false
}

func (m *Manager) unsubscribe(sym string) {
	if err := m.deps.Subscriber.Unsubscribe(sym); err != nil {
		m.log.Warn("unsubscribe failed", "symbol", sym, "error", err)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// ─── state machine ─────────────────────────────────────────────────────────

func (m *Manager) transition(to model.Phase) {
	from := m.phase
	if from == to {
		return
	}
	m.phase = to
	switch to {
	case model.PhaseStreaming:
		// One writer for the trailing candle: polling pauses.
		stopTimer(&m.pollTimer)
	case model.PhasePolling:
		m.armPoll()
	}
	m.log.Info("phase transition", "from", from.String(), "to", to.String())
	if m.Hooks.OnTransition != nil {
		m.Hooks.OnTransition(from, to)
	}
}

// fallBack moves a streaming session to polling and asks for a snapshot.
func (m *Manager) fallBack(reason string) {
	if m.phase != model.PhaseStreaming {
		return
	}
	m.log.Warn("stream fallback to polling", "reason", reason)
	stopTimer(&m.staleTimer)
	m.feed.Source = model.SourceLocal
	m.transition(model.PhasePolling)
	m.ctrl.Refresh()
}

func (m *Manager) armPoll() {
	if m.symbol == "" || m.pollTimer != nil {
		return
	}
	gen := m.gen
	m.pollTimer = time.AfterFunc(m.cfg.PollInterval, func() { m.post(pollEvent{gen: gen}) })
}

func (m *Manager) onPoll(gen uint64) {
	if gen != m.gen {
		return
	}
	m.pollTimer = nil
	if m.phase != model.PhaseLoading && m.phase != model.PhasePolling {
		return
	}
	m.ctrl.Refresh()
	m.armPoll()
}

func (m *Manager) armStale() {
	if m.staleTimer != nil {
		m.staleTimer.Reset(m.cfg.StaleTimeout)
		return
	}
	gen := m.gen
	m.staleTimer = time.AfterFunc(m.cfg.StaleTimeout, func() { m.post(staleEvent{gen: gen}) })
}

func (m *Manager) onStaleCheck(gen uint64) {
	if gen != m.gen || m.phase != model.PhaseStreaming || m.staleTimer == nil {
		return
	}
	if quiet := m.now().Sub(m.feed.LastTickAt); quiet < m.cfg.StaleTimeout {
		m.staleTimer.Reset(m.cfg.StaleTimeout - quiet)
		return
	}
	m.feed.Stale = true
	m.feed.StaleSince = m.now()
	if m.Hooks.OnStale != nil {
		m.Hooks.OnStale()
	}
	m.fallBack("stale")
	m.publish(model.UpdateStatus)
}

// ─── inputs ────────────────────────────────────────────────────────────────

func (m *Manager) onStream(msg stream.Message) {
	switch v := msg.(type) {
	case stream.Quote:
		m.onQuote(v.Tick)
	case stream.Status:
		m.upstreamUp = v.Connected
		if !v.Connected {
			m.fallBack("upstream disconnected")
		}
		m.publishStatusIfSelected()
	case stream.Spike:
		m.onSpike(v.Spike)
	case stream.ConnState:
		m.streamOpen = v.Open
		if v.Open {
			m.upstreamUp = true
		} else {
			m.fallBack("connection closed")
		}
		m.publishStatusIfSelected()
	}
}

func (m *Manager) publishStatusIfSelected() {
	if m.symbol != "" {
		m.publish(model.UpdateStatus)
		return
	}
	st := m.status()
	m.last.Store(&st)
}

func (m *Manager) dropped(reason string) {
	if m.Hooks.OnDroppedTick != nil {
		m.Hooks.OnDroppedTick(reason)
	}
}

func (m *Manager) onQuote(t model.Tick) {
	if m.Hooks.OnTick != nil {
		m.Hooks.OnTick()
	}
	if m.symbol == "" || t.Symbol != m.symbol {
		m.dropped("unselected")
		return
	}
	m.seedFromSnapshot(t)
	res := m.agg.Process(t)
	if res.Dropped != agg.DropNone {
		m.log.Debug("tick dropped", "reason", res.Dropped.String(), "trade_time", t.TradeTimeMillis)
		return
	}
	if res.Finalized != nil && m.deps.Journal != nil {
		m.deps.Journal.Append(m.symbol, *res.Finalized)
	}

	kind, ok := m.series.upsert(res.Candle)
	if !ok {
		m.dropped("behind_series")
		return
	}

	m.streamOpen = true
	m.feed.LastTickAt = m.now()
	m.feed.Source = model.SourceStream
	m.feed.Stale = false
	m.feed.StaleSince = time.Time{}
	m.noData = false
	m.lastErr = nil
	m.transition(model.PhaseStreaming)
	m.armStale()

	m.ind.ApplyTail(m.series.candles)
	m.publish(kind)
}

// seedFromSnapshot hands the aggregator the snapshot candle for the tick's
// minute when the stream has not built that minute yet, so the first tick
// extends the REST bar instead of replacing it.
func (m *Manager) seedFromSnapshot(t model.Tick) {
	n := m.series.len()
	if n == 0 || !t.Valid() {
		return
	}
	tail := m.series.candles[n-1]
	if tail.Time != t.Bucket() || m.series.streamed[tail.Time] {
		return
	}
	if fin := m.agg.Seed(t.Symbol, tail, t.CumulativeVolume); fin != nil && m.deps.Journal != nil {
		m.deps.Journal.Append(m.symbol, *fin)
	}
}

func (m *Manager) onFetch(res fetch.Result) {
	if res.Symbol != m.symbol || !m.ctrl.IsCurrent(res.Symbol, res.Seq) {
		m.log.Debug("dropping superseded fetch result", "result_symbol", res.Symbol, "seq", res.Seq)
		if m.Hooks.OnSuperseded != nil {
			m.Hooks.OnSuperseded()
		}
		return
	}

	kind := model.UpdateStatus
	switch res.Kind {
	case fetch.KindCandles:
		m.noData = false
		m.lastErr = nil
		kind = m.applySnapshot(res.Candles)
		if m.phase != model.PhaseStreaming {
			m.feed.Source = model.SourceREST
		}
	case fetch.KindNoData:
		m.lastErr = nil
		m.noData = m.series.len() == 0
	case fetch.KindFailed:
		m.lastErr = res.Err
	}
	if m.phase == model.PhaseLoading {
		m.transition(model.PhasePolling)
	}
	m.publish(kind)
}

// applySnapshot merges a REST snapshot and brings the indicators up to
// date, incrementally when only the tail moved.
func (m *Manager) applySnapshot(snap []model.Candle) model.UpdateKind {
	oldLen := m.series.len()
	first, changed := m.series.merge(snap, m.phase == model.PhaseStreaming)
	if !changed {
		return model.UpdateStatus
	}
	newLen := m.series.len()
	switch {
	case oldLen > 0 && newLen == oldLen && first == oldLen-1:
		m.ind.ApplyTail(m.series.candles)
		return model.UpdateTail
	case oldLen > 0 && newLen == oldLen+1 && first == oldLen:
		m.ind.ApplyTail(m.series.candles)
		return model.UpdateAppend
	default:
		m.ind.Compute(m.series.candles)
		return model.UpdateReplace
	}
}

// ─── VWAP overlay ──────────────────────────────────────────────────────────

func (m *Manager) armVWAP() {
	if m.deps.VWAP == nil || m.cfg.VWAPPollInterval <= 0 || m.symbol == "" {
		return
	}
	gen := m.gen
	m.vwapTimer = time.AfterFunc(m.cfg.VWAPPollInterval, func() { m.post(vwapTickEvent{gen: gen}) })
}

func (m *Manager) onVWAPTick(gen uint64) {
	if gen != m.gen || m.symbol == "" {
		return
	}
	m.vwapTimer = nil
	if !m.vwapBusy {
		m.vwapBusy = true
		ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.VWAPPollInterval)
		m.vwapCancel = cancel
		sym := m.symbol
		go func() {
			q, err := m.deps.VWAP.VWAP(ctx, sym)
			cancel()
			m.post(vwapEvent{gen: gen, quote: q, err: err})
		}()
	}
	m.armVWAP()
}

func (m *Manager) onVWAP(e vwapEvent) {
	if e.gen != m.gen {
		return
	}
	m.vwapBusy = false
	m.vwapCancel = nil
	before := m.freshProxy()
	if e.err != nil {
		m.log.Debug("vwap poll failed", "error", e.err)
	} else {
		q := e.quote
		m.proxy = &q
		m.proxyAt = m.now()
	}
	after := m.freshProxy()
	if (before == nil) != (after == nil) || (after != nil && *before != *after) {
		m.publish(model.UpdateStatus)
	}
}

// freshProxy returns the upstream VWAP when it is recent and not flagged
// stale by the upstream.
func (m *Manager) freshProxy() *model.VWAPQuote {
	if m.proxy == nil || m.proxy.Stale {
		return nil
	}
	if m.now().Sub(m.proxyAt) > 2*m.cfg.VWAPPollInterval {
		return nil
	}
	q := *m.proxy
	return &q
}

// ─── volume spikes ─────────────────────────────────────────────────────────

// onSpike records sp as the active spike for its symbol, replacing any
// earlier one. Spikes are kept for every symbol, not only the selected one.
func (m *Manager) onSpike(sp model.VolumeSpike) {
	sp.Symbol = strings.ToUpper(sp.Symbol)
	sp.ReceivedAt = m.now()
	m.spikes[sp.Symbol] = sp
	m.log.Info("volume spike", "spike_symbol", sp.Symbol, "ratio", sp.Ratio)
	if sp.Symbol == m.symbol {
		stopTimer(&m.spikeTimer)
		m.armSpike()
		m.publish(model.UpdateStatus)
		return
	}
	st := m.status()
	m.last.Store(&st)
}

// armSpike schedules a status publish for when the selected symbol's
// spike expires.
func (m *Manager) armSpike() {
	sp, ok := m.spikes[m.symbol]
	if m.symbol == "" || !ok || m.spikeTimer != nil {
		return
	}
	left := m.cfg.SpikeExpiry - m.now().Sub(sp.ReceivedAt)
	if left < 0 {
		left = 0
	}
	gen := m.gen
	m.spikeTimer = time.AfterFunc(left, func() { m.post(spikeEvent{gen: gen}) })
}

func (m *Manager) onSpikeExpiry(gen uint64) {
	if gen != m.gen {
		return
	}
	m.spikeTimer = nil
	if m.activeSpike(m.symbol) != nil {
		// Replaced by a newer spike after the timer was set.
		m.armSpike()
		return
	}
	m.publish(model.UpdateStatus)
}

// activeSpikes drops expired spikes and returns the rest by symbol.
func (m *Manager) activeSpikes() []model.VolumeSpike {
	now := m.now()
	var out []model.VolumeSpike
	for sym, sp := range m.spikes {
		if now.Sub(sp.ReceivedAt) >= m.cfg.SpikeExpiry {
			delete(m.spikes, sym)
			continue
		}
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *Manager) activeSpike(sym string) *model.VolumeSpike {
	sp, ok := m.spikes[sym]
	if !ok || m.now().Sub(sp.ReceivedAt) >= m.cfg.SpikeExpiry {
		return nil
	}
	return &sp
}

// ─── output ────────────────────────────────────────────────────────────────

func (m *Manager) status() model.Status {
	st := model.Status{
		Symbol:    m.symbol,
		SessionID: m.sessionID,
		Phase:     m.phase,
		Stale:     m.feed.Stale,
		Source:    m.feed.Source,
		NoData:    m.noData,
		Spikes:    m.activeSpikes(),
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	if !m.feed.LastTickAt.IsZero() {
		t := m.feed.LastTickAt
		st.LastTickAt = &t
	}
	if !m.feed.StaleSince.IsZero() {
		t := m.feed.StaleSince
		st.StaleSince = &t
	}
	switch m.phase {
	case model.PhaseLoading:
		st.State = model.StateLoading
	case model.PhaseStreaming:
		st.State = model.StateStreaming
	case model.PhasePolling:
		st.State = model.StatePolling
	default:
		st.State = model.StateDisconnected
		if m.streamOpen && m.upstreamUp {
			st.State = model.StateConnected
		}
	}
	return st
}

func (m *Manager) update(kind model.UpdateKind) model.Update {
	u := model.Update{
		Symbol:     m.symbol,
		Generation: m.gen,
		Kind:       kind,
		Status:     m.status(),
		VWAPProxy:  m.freshProxy(),
		Spike:      m.activeSpike(m.symbol),
	}
	if kind != model.UpdateStatus {
		u.Candles = m.series.snapshot()
		u.Indicators = m.ind.Series()
		u.Patterns = pattern.DetectAll(u.Candles, m.deps.Detectors)
	}
	return u
}

func (m *Manager) publish(kind model.UpdateKind) {
	m.emit(m.update(kind))
}

func (m *Manager) emit(u model.Update) {
	st := u.Status
	m.last.Store(&st)
	m.deps.Sink.Publish(u)
	if m.Hooks.OnPublish != nil {
		m.Hooks.OnPublish(u.Kind)
	}
}
