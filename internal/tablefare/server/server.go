package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/tablefare/tablefare/internal/tablefare/config"
	"github.com/tablefare/tablefare/internal/tablefare/handlers"
	"github.com/tablefare/tablefare/internal/tablefare/loyalty"
	"github.com/tablefare/tablefare/internal/tablefare/middleware"
	"github.com/tablefare/tablefare/internal/tablefare/notify"
	"github.com/tablefare/tablefare/internal/tablefare/orderflow"
	"github.com/tablefare/tablefare/internal/tablefare/payment"
	"github.com/tablefare/tablefare/internal/tablefare/pricing"
	"github.com/tablefare/tablefare/internal/tablefare/repository"
)

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	repo       repository.Repository
	loyaltySvc *loyalty.Service
	expirer    *loyalty.Expirer
	handler    *handlers.Handler
	httpServer *http.Server
}

// NewServer wires the full service from configuration
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := repository.OpenDB(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	repo := repository.NewPostgresRepository(db)

	taxRate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		return nil, err
	}

	loyaltySvc := loyalty.NewService(repo)
	pricer := pricing.NewCalculator(taxRate)
	registry := buildRegistry(cfg)
	sink := notify.LogSink{}
	orchestrator := payment.NewOrchestrator(repo, registry, sink)
	orders := orderflow.NewManager(repo, orchestrator, sink)
	handler := handlers.NewHandler(repo, loyaltySvc, pricer, orchestrator, orders)

	return &Server{
		cfg:        cfg,
		repo:       repo,
		loyaltySvc: loyaltySvc,
		expirer:    loyalty.NewExpirer(loyaltySvc, cfg.ExpireInterval),
		handler:    handler,
	}, nil
}

// buildRegistry constructs the provider registry from configuration. Card
// charges go to Authorize.Net; terminal charges are routed by the configured
// terminal-id prefix table.
func buildRegistry(cfg *config.Config) *payment.Registry {
	card := payment.NewAuthorizeNetProvider(cfg.AuthNetURL, cfg.AuthNetLoginID, cfg.AuthNetKey, cfg.ProviderTimeout)
	registry := payment.NewRegistry(card, payment.NewCashProvider())

	clover := payment.NewCloverProvider(cfg.CloverURL, cfg.CloverToken, cfg.ProviderTimeout)
	ingenico := payment.NewIngenicoProvider(cfg.IngenicoURL, cfg.IngenicoKey, cfg.ProviderTimeout)
	for prefix, name := range config.ParseTerminalRoutes(cfg.TerminalRoutes) {
		switch name {
		case payment.ProviderClover:
			registry.RegisterTerminal(prefix, clover)
		case payment.ProviderIngenico:
			registry.RegisterTerminal(prefix, ingenico)
		default:
			slog.Warn("unknown terminal provider in route table, skipping", "prefix", prefix, "provider", name)
		}
	}
	return registry
}

// Run starts the HTTP server
func (s *Server) Run() error {
	// Initialize schema
	if err := s.repo.InitSchema(context.Background()); err != nil {
		return err
	}

	// Start background expiration sweeps
	s.expirer.Start()

	// Create router
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	jwtConfig := &middleware.JWTConfig{SecretKey: s.cfg.JWTSecret}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(jwtConfig))

			r.Get("/loyalty/account", s.handler.GetLoyaltyAccount)
			r.Post("/loyalty/redeem", s.handler.RedeemPoints)

			r.Post("/orders", s.handler.CreateOrder)
			r.Get("/orders/{id}", s.handler.GetOrder)
			r.Post("/orders/{id}/pay", s.handler.ChargeOrder)
			r.Post("/orders/{id}/cancel", s.handler.CancelOrder)

			// Staff routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleStaff, middleware.RoleAdmin))

				r.Post("/orders/{id}/status", s.handler.TransitionOrder)
				r.Post("/loyalty/earn", s.handler.EarnPoints)
				r.Post("/payments/refund", s.handler.RefundPayment)
				r.Post("/payments/void", s.handler.VoidPayment)
			})

			// Admin routes
			r.Route("/admin/loyalty", func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleAdmin))

				r.Post("/bonus", s.handler.AwardBonus)
				r.Post("/adjust", s.handler.AdjustPoints)
				r.Get("/stats", s.handler.GetLoyaltyStats)
				r.Post("/expire", s.handler.ExpirePoints)
			})
		})
	})

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:    s.cfg.RunAddress,
		Handler: r,
	}

	slog.Info("starting server", "address", s.cfg.RunAddress)
	return s.httpServer.ListenAndServe()
}

// ExpireOnce runs the loyalty expiration sweep a single time
func (s *Server) ExpireOnce(ctx context.Context) (int, error) {
	if err := s.repo.InitSchema(ctx); err != nil {
		return 0, err
	}
	return s.loyaltySvc.ExpirePoints(ctx)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	if s.expirer != nil {
		s.expirer.Stop()
	}

	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			return err
		}
	}

	return nil
}
