package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"

	types "github.com/sebas/voicebridge/api/types/v1"
	"github.com/sebas/voicebridge/internal/voicebridge/api"
	"github.com/sebas/voicebridge/internal/voicebridge/call"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
	"github.com/sebas/voicebridge/internal/voicebridge/dialog"
	"github.com/sebas/voicebridge/internal/voicebridge/linker"
	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/routing"
	"github.com/sebas/voicebridge/internal/voicebridge/session"
	"github.com/sebas/voicebridge/internal/voicebridge/store"
)

// ShutdownTimeout bounds the hangup of live calls on shutdown.
const ShutdownTimeout = 10 * time.Second

// VoiceBridge wires the SIP stack, the media pool, and the call sessions
// into one server.
type VoiceBridge struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	config *config.Config

	dialogMgr     *dialog.Manager
	pool          *media.Pool
	linker        *linker.Linker
	repo          store.SessionRepository
	sessions      *session.Manager
	inviteHandler *routing.InviteHandler
	dialogHandler *routing.DialogHandler
	apiServer     *api.Server
}

// NewServer builds every component. Nothing listens until Run.
func NewServer(ctx context.Context, cfg *config.Config) (*VoiceBridge, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("voicebridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "voicebridge",
			Host:   cfg.AdvertiseAddr,
			Port:   cfg.Port,
		},
	}
	dialogUA := &sipgo.DialogUA{
		Client:     uac,
		ContactHDR: contact,
	}
	dialogMgr := dialog.NewManager(uac, dialogUA)

	slog.Info("[App] Connecting to media servers", "addresses", cfg.MediaServerAddrs)
	poolCfg := media.DefaultPoolConfig()
	poolCfg.Addresses = cfg.MediaServerAddrs
	poolCfg.Client.KeepaliveInterval = cfg.GRPCKeepaliveInterval
	poolCfg.Client.KeepaliveTimeout = cfg.GRPCKeepaliveTimeout
	poolCfg.Client.CommandTimeout = cfg.CommandTimeout
	poolCfg.HealthCheckInterval = cfg.HealthCheckInterval
	pool, err := media.NewPool(poolCfg)
	if err != nil {
		dialogMgr.Close()
		ua.Close()
		return nil, fmt.Errorf("failed to create media pool: %w", err)
	}

	repo, err := newRepository(ctx, cfg)
	if err != nil {
		_ = pool.Close()
		dialogMgr.Close()
		ua.Close()
		return nil, err
	}

	links := linker.New()
	originator := dialog.NewOriginator(dialog.OriginatorConfig{
		AdvertiseAddr: cfg.AdvertiseAddr,
		Port:          cfg.Port,
		Client:        uac,
		Manager:       dialogMgr,
	})
	sessions := session.NewManager(session.Options{
		Flow:           cfg.Flow,
		Linker:         links,
		Originator:     originator,
		Recorder:       repo,
		CommandTimeout: cfg.CommandTimeout,
		Logger:         slog.Default(),
	})

	inviteHandler := routing.NewInviteHandler(dialogMgr, pool, func(dlg call.Dialog, ep call.Endpoint) {
		sessions.Accept(dlg, ep)
	}, cfg.GRPCConnectTimeout)

	vb := &VoiceBridge{
		ua:            ua,
		srv:           uas,
		client:        uac,
		config:        cfg,
		dialogMgr:     dialogMgr,
		pool:          pool,
		linker:        links,
		repo:          repo,
		sessions:      sessions,
		inviteHandler: inviteHandler,
		dialogHandler: routing.NewDialogHandler(dialogMgr),
	}

	vb.apiServer = api.NewServer(api.Config{
		Addr:       cfg.APIAddr,
		Sessions:   sessions,
		Dialogs:    dialogMgr,
		Media:      pool,
		Stats:      api.StatsFunc(vb.stats),
		Repository: repo,
	})

	dialogMgr.SetOnTerminated(func(d *dialog.Dialog) {
		slog.Debug("[App] Dialog terminated", "call_id", d.CallID, "cause", d.Cause)
	})

	uas.OnRequest(sip.INVITE, vb.inviteHandler.HandleINVITE)
	uas.OnRequest(sip.ACK, vb.dialogHandler.HandleACK)
	uas.OnRequest(sip.BYE, vb.dialogHandler.HandleBYE)
	uas.OnRequest(sip.CANCEL, vb.dialogHandler.HandleCANCEL)
	uas.OnRequest(sip.NOTIFY, vb.dialogHandler.HandleNOTIFY)
	uas.OnRequest(sip.OPTIONS, vb.dialogHandler.HandleOPTIONS)

	slog.Info("[App] SIP handlers registered", "methods", "INVITE, ACK, BYE, CANCEL, NOTIFY, OPTIONS")
	return vb, nil
}

// newRepository picks Redis when an address is configured.
func newRepository(ctx context.Context, cfg *config.Config) (store.SessionRepository, error) {
	if cfg.RedisAddr == "" {
		return store.NewMemoryRepository(cfg.SessionTTL), nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	repo, err := store.NewRedisRepository(ctx, store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect session repository: %w", err)
	}
	slog.Info("[App] Session snapshots in Redis", "addr", cfg.RedisAddr)
	return repo, nil
}

func (v *VoiceBridge) stats() types.StatsResponse {
	counters := v.sessions.Counters()
	return types.StatsResponse{
		ActiveSessions: v.sessions.Count(),
		TotalSessions:  int(counters.Accepted.Load()),
		ActiveDialogs:  v.dialogMgr.Count(),
		LinkedPairs:    v.linker.Len(),
		Transfers:      int(counters.Transfers.Load()),
		FailedBridges:  int(v.inviteHandler.FailedBridges()),
	}
}

// Run serves SIP and the status API until ctx is cancelled, then hangs up
// every live call.
func (v *VoiceBridge) Run(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", v.config.BindAddr, v.config.Port)

	if err := v.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("[App] Starting SIP server", "listenAddr", listenAddr)
		if err := v.srv.ListenAndServe(gctx, "udp", listenAddr); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("SIP server on %s: %w", listenAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		v.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown hangs up live calls, then releases the remaining endpoints.
func (v *VoiceBridge) shutdown() {
	slog.Info("[App] Shutting down", "sessions", v.sessions.Count())
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return v.sessions.HangupAll(gctx)
	})
	g.Go(func() error {
		return v.apiServer.Stop(gctx)
	})
	if err := g.Wait(); err != nil {
		slog.Warn("[App] Shutdown incomplete", "error", err)
	}
	v.dialogMgr.TerminateAll()
	v.pool.DestroyAll(ctx)
}

// Close releases every component.
func (v *VoiceBridge) Close() error {
	v.dialogMgr.Close()
	var errs []error
	if err := v.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.repo.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.ua.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
