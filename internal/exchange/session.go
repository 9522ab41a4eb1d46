package exchange

import (
	"context"
	"sync"

	appconfig "marketlink/config"
	"marketlink/internal/classifier"
	"marketlink/internal/models"
	"marketlink/internal/notify"
	"marketlink/internal/severity"
	"marketlink/logger"
)

// Session carries what every adapter shares: the market state, its
// classifier, the live feed and the funding refresher. Adapters embed it.
type Session struct {
	market     *Market
	classifier *classifier.Classifier
	cfg        appconfig.ExchangeConfig
	log        *logger.Entry

	feedMu  sync.Mutex
	feeds   []*Feed
	funding Heartbeat
}

func NewSession(market *Market, cfg appconfig.ExchangeConfig, table classifier.Table, sink notify.Sink) *Session {
	return &Session{
		market:     market,
		classifier: classifier.New(market.Name(), table, sink),
		cfg:        cfg,
		log:        logger.GetLogger().WithComponent("adapter").WithMarket(market.Name()),
	}
}

func (s *Session) Name() string                       { return s.market.Name() }
func (s *Session) Market() *Market                    { return s.market }
func (s *Session) Classifier() *classifier.Classifier { return s.classifier }
func (s *Session) Config() appconfig.ExchangeConfig   { return s.cfg }
func (s *Session) Log() *logger.Entry                 { return s.log }

// Exec runs fn through the classifier against this market.
func (s *Session) Exec(op string, fn func() error) severity.Code {
	return classifier.Exec(s.classifier, s.market, op, fn)
}

// Report raises code on this market without an underlying error.
func (s *Session) Report(op string, code severity.Code, msg string) severity.Code {
	return s.classifier.Report(s.market, op, code, msg)
}

// RunFeed replaces the live websocket sessions with one per config. A
// silent feed sets the market's timeout flag; a broken one is classified like
// any other fault.
func (s *Session) RunFeed(ctx context.Context, cfgs ...FeedConfig) severity.Code {
	s.stopFeeds()
	s.market.SetTimedOut(false)

	feeds := make([]*Feed, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Keepalive == 0 {
			cfg.Keepalive = s.cfg.Keepalive
		}
		if cfg.ReadTimeout == 0 {
			cfg.ReadTimeout = s.cfg.ReadTimeout
		}
		cfg.OnStale = func() { s.market.SetTimedOut(true) }
		cfg.OnFault = func(err error) { s.classifier.Fault(s.market, "Feed", err) }
		feeds = append(feeds, NewFeed(s.Name(), cfg))
	}
	s.feedMu.Lock()
	s.feeds = feeds
	s.feedMu.Unlock()

	return s.Exec("StartFeed", func() error {
		for _, feed := range feeds {
			if err := feed.Start(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// StopFeed closes the live sessions and the funding refresher with them, so
// a stopped or frozen market makes no further calls to the exchange.
func (s *Session) StopFeed() {
	s.funding.Stop()
	s.stopFeeds()
}

func (s *Session) stopFeeds() {
	s.feedMu.Lock()
	feeds := s.feeds
	s.feeds = nil
	s.feedMu.Unlock()
	for _, feed := range feeds {
		feed.Stop()
	}
}

// FeedAlive reports whether every started feed is still reading.
func (s *Session) FeedAlive() bool {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if len(s.feeds) == 0 {
		return false
	}
	for _, feed := range s.feeds {
		if !feed.Alive() {
			return false
		}
	}
	return true
}

// StartFunding runs refresh once and then every funding interval. The
// returned code is that of the first run.
func (s *Session) StartFunding(ctx context.Context, refresh func(ctx context.Context) severity.Code) severity.Code {
	code := refresh(ctx)
	if code.IsFatal() {
		return code
	}
	s.funding.Start(ctx, s.cfg.FundingInterval, func(ctx context.Context) { refresh(ctx) })
	return code
}

func (s *Session) FundingRunning() bool { return s.funding.Running() }

// Ticker serves best bid and ask from the feed state.
func (s *Session) Ticker(ctx context.Context) (map[models.SymbolKey]models.Quote, severity.Code) {
	if err := ctx.Err(); err != nil {
		return nil, s.classifier.Fault(s.market, "Ticker", err)
	}
	return s.market.Ticker(), severity.Healthy
}

func (s *Session) Close() {
	s.StopFeed()
}
