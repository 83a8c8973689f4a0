package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudx-io/leadauction/auction"
	"github.com/cloudx-io/leadauction/audit"
	"github.com/cloudx-io/leadauction/autobid"
	"github.com/cloudx-io/leadauction/events"
	"github.com/cloudx-io/leadauction/ledger"
	"github.com/cloudx-io/leadauction/oracle"
	"github.com/cloudx-io/leadauction/postgres"
	"github.com/cloudx-io/leadauction/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the auction HTTP service and phase scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := viper.GetString("database_url")
			if url == "" {
				return errors.New("AUCTIOND_DATABASE_URL is required")
			}
			db, err := postgres.Connect(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			log.Printf("INFO: Migrations applied")
			return nil
		},
	}
}

func serve(ctx context.Context) error {
	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var publisher *events.Publisher
	if url := viper.GetString("amqp_url"); url != "" {
		publisher, err = events.Connect(url)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer publisher.Close()
	} else {
		log.Printf("WARNING: AUCTIOND_AMQP_URL not set, event publishing disabled")
	}

	recorder, err := audit.NewRecorder(st)
	if err != nil {
		return fmt.Errorf("init audit recorder: %w", err)
	}

	floors := oracle.NewAdapter(
		newSignalSource(),
		oracle.DefaultRateTable(),
		viper.GetFloat64("oracle.baseline"),
		viper.GetDuration("oracle.ttl"),
		time.Now,
	)

	authoritative := newAuthoritativeSource(st)
	ledgerSvc := ledger.NewService(st, authoritative, recorder, eventPublisher(publisher))
	auctions := auction.NewService(st, st, st, recorder, eventPublisher(publisher))
	engine := autobid.NewEngine(st, st, st, auctions, floors, ledger.SourceAllowance{Source: authoritative})

	srv := &server{
		store:         st,
		auctions:      auctions,
		engine:        engine,
		floors:        floors,
		ledger:        ledgerSvc,
		events:        publisher,
		biddingWindow: viper.GetDuration("bidding_window"),
		revealWindow:  viper.GetDuration("reveal_window"),
	}

	go runScheduler(ctx, auctions, viper.GetDuration("scheduler_interval"))

	if publisher != nil {
		go runConsumer(ctx, srv)
	}

	addr := viper.GetString("listen_addr")
	httpSrv := &http.Server{Addr: addr, Handler: srv.routes()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Printf("INFO: Listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// openStore connects to postgres when a URL is configured and falls back to
// the in-memory store for local runs.
func openStore(ctx context.Context) (store.Store, func(), error) {
	url := viper.GetString("database_url")
	if url == "" {
		log.Printf("WARNING: AUCTIOND_DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	db, err := postgres.Connect(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, db.Close, nil
}

// eventPublisher converts a possibly-nil concrete publisher into the nil
// interface the services treat as "publishing disabled".
func eventPublisher(p *events.Publisher) auction.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}

// runScheduler advances due auction phases on a fixed interval. Phase
// deadlines live on rooms; nothing else moves them.
func runScheduler(ctx context.Context, auctions *auction.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("INFO: Phase scheduler running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := auctions.AdvanceDueRooms(ctx); err != nil {
				log.Printf("ERROR: Scheduler pass failed: %v", err)
			}
		}
	}
}

// runConsumer feeds lead.created events into auto-bid evaluation.
func runConsumer(ctx context.Context, srv *server) {
	consumer, err := events.NewConsumer(viper.GetString("amqp_url"), viper.GetString("consumer_queue"))
	if err != nil {
		log.Printf("ERROR: Lead consumer unavailable: %v", err)
		return
	}
	defer consumer.Close()

	err = consumer.Consume(ctx, func(ctx context.Context, event events.LeadEvent) error {
		leadID, err := uuid.Parse(event.LeadID)
		if err != nil {
			return fmt.Errorf("bad lead id %q: %w", event.LeadID, err)
		}
		_, err = srv.evaluateLead(ctx, leadID)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: Lead consumer stopped: %v", err)
	}
}

// signalSource reads the market signal from a JSON endpoint. When no URL is
// configured every read fails and the oracle serves its fallback quote.
type signalSource struct {
	url    string
	client *http.Client
}

func newSignalSource() oracle.SignalSource {
	return &signalSource{
		url:    viper.GetString("signal_url"),
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (s *signalSource) Read(ctx context.Context) (float64, error) {
	if s.url == "" {
		return 0, errors.New("signal source not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("signal endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Value, nil
}

// httpLedgerSource reads authoritative balances from the upstream ledger.
type httpLedgerSource struct {
	url    string
	client *http.Client
}

func (s *httpLedgerSource) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/accounts/%s/balance", s.url, accountID), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("ledger endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, err
	}
	return body.Balance, nil
}

// mirrorSource answers with the cached balance itself. It keeps local runs
// working without an upstream ledger; reconciliation always reports zero
// drift against it.
type mirrorSource struct {
	balances store.BalanceStore
}

func (s *mirrorSource) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	bal, err := s.balances.GetCachedBalance(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Amount, nil
}

func newAuthoritativeSource(st store.Store) ledger.AuthoritativeSource {
	if url := viper.GetString("ledger_url"); url != "" {
		return &httpLedgerSource{url: url, client: &http.Client{Timeout: 5 * time.Second}}
	}
	log.Printf("WARNING: AUCTIOND_LEDGER_URL not set, reconciling against the cache itself")
	return &mirrorSource{balances: st}
}
