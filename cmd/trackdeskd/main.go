package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	apiPkg "github.com/trackdesk-io/trackdesk/internal/api"
	"github.com/trackdesk-io/trackdesk/internal/config"
	"github.com/trackdesk-io/trackdesk/internal/desk"
	"github.com/trackdesk-io/trackdesk/internal/engine"
	"github.com/trackdesk-io/trackdesk/internal/escalation"
	"github.com/trackdesk-io/trackdesk/internal/executor"
	"github.com/trackdesk-io/trackdesk/internal/logbuf"
	"github.com/trackdesk-io/trackdesk/internal/notify"
	"github.com/trackdesk-io/trackdesk/internal/ownership"
	"github.com/trackdesk-io/trackdesk/internal/poller"
	"github.com/trackdesk-io/trackdesk/internal/priority"
	"github.com/trackdesk-io/trackdesk/internal/rules"
	"github.com/trackdesk-io/trackdesk/internal/state"
	"github.com/trackdesk-io/trackdesk/internal/tracker"
	"github.com/trackdesk-io/trackdesk/internal/webhook"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	if *configPath == "" {
		logger.Error("missing -config flag")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("trackdeskd starting", "tracker", cfg.Tracker.URL, "desk", cfg.Desk.URL)

	// 1. Shared state store
	os.MkdirAll(cfg.Bridge.DataDir, 0o755)
	store, err := state.NewSQLiteStore(filepath.Join(cfg.Bridge.DataDir, "bridge.db"))
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 2. API clients
	trackerClient := tracker.NewClient(cfg.Tracker.URL, cfg.Tracker.Username, cfg.Tracker.Password,
		tracker.WithReferenceField(cfg.Bridge.ReferenceField))
	deskClient := desk.NewClient(cfg.Desk.URL, cfg.Desk.Username, cfg.Desk.Password)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Resolve identities and desk metadata up front. A bridge that cannot
	// see itself or its support group cannot reconcile anything.
	trackerIdentity, err := trackerClient.CurrentUser(ctx)
	if err != nil {
		logger.Error("failed to resolve tracker identity", "error", err)
		os.Exit(1)
	}
	deskIdentityID, err := deskClient.CurrentUserID(ctx)
	if err != nil {
		logger.Error("failed to resolve desk identity", "error", err)
		os.Exit(1)
	}
	logger.Info("identities resolved", "tracker_user", trackerIdentity, "desk_user_id", deskIdentityID)

	groups, err := deskClient.ListAssignableGroups(ctx)
	if err != nil {
		logger.Error("failed to list desk groups", "error", err)
		os.Exit(1)
	}
	supportGroup, ok := findGroup(groups, cfg.Bridge.SupportGroup)
	if !ok {
		logger.Error("support group not found on desk", "group", cfg.Bridge.SupportGroup)
		os.Exit(1)
	}

	var ticketFormID int64
	if cfg.Bridge.TicketForm != "" {
		forms, err := deskClient.ListTicketForms(ctx)
		if err != nil {
			logger.Error("failed to list ticket forms", "error", err)
			os.Exit(1)
		}
		ticketFormID, ok = findForm(forms, cfg.Bridge.TicketForm)
		if !ok {
			logger.Error("ticket form not found on desk", "form", cfg.Bridge.TicketForm)
			os.Exit(1)
		}
	}

	initialFields, err := resolveInitialFields(ctx, deskClient, cfg.Bridge.InitialFields)
	if err != nil {
		logger.Error("failed to resolve initial ticket fields", "error", err)
		os.Exit(1)
	}

	// 4. Engine assembly
	owners := ownership.New(store)
	matcher := rules.NewMatcher(cfg.Rules.IssueTriggered, cfg.Rules.TicketTriggered)
	exec := executor.New(trackerClient, deskClient, owners, logger.With("component", "executor"))

	var priorities *priority.Mapper
	if len(cfg.Bridge.PriorityMap) > 0 {
		priorities = priority.NewMapper(cfg.Bridge.PriorityMap, cfg.Bridge.FallbackPriority)
	}

	var escalations *escalation.Selector
	if len(cfg.Escalation) > 0 {
		escalations, err = escalation.NewSelector(cfg.Escalation, store)
		if err != nil {
			logger.Error("failed to build escalation selector", "error", err)
			os.Exit(1)
		}
	}

	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		logger.Error("failed to init notifiers", "error", err)
		os.Exit(1)
	}

	eng := engine.New(trackerClient, deskClient, store, owners, matcher, exec,
		priorities, escalations, notifier,
		engine.Options{
			Query:              cfg.Tracker.Query,
			SolvedStatuses:     cfg.Bridge.SolvedStatuses,
			ReferenceField:     cfg.Bridge.ReferenceField,
			SignatureDelimiter: cfg.Bridge.SignatureDelimiter,
			Templates:          cfg.Templates,
			TrackerURL:         cfg.Tracker.URL,
			TrackerIdentity:    trackerIdentity,
			DeskIdentityID:     deskIdentityID,
			SupportGroup:       supportGroup,
			Groups:             groups,
			TicketFormID:       ticketFormID,
			InitialFields:      initialFields,
			LeaseTTL:           cfg.Bridge.LeaseTTL(),
			LeaseRetries:       cfg.Bridge.LeaseRetries,
			LeaseBackoff:       cfg.Bridge.LeaseBackoff(),
		},
		logger.With("component", "engine"),
	)

	// 5. Poller
	pol, err := poller.New(eng, cfg.Bridge.SyncSchedule, cfg.Bridge.Workers, logger.With("component", "poller"))
	if err != nil {
		logger.Error("failed to init poller", "error", err)
		os.Exit(1)
	}
	go safeGo(logger, "poller", func() { pol.Start(ctx) })

	// 6. API server with webhook endpoints
	var webhookHandler *webhook.Handler
	if len(cfg.Webhooks) > 0 {
		webhookHandler = webhook.New(cfg.Webhooks, eng, logger.With("component", "webhook"))
	}
	apiSvc := &bridgeServiceAdapter{eng: eng, pol: pol}
	apiSrv := apiPkg.NewServer(apiSvc, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf, handlerOrNil(webhookHandler))

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("trackdeskd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

func findGroup(groups []protocol.Group, name string) (protocol.Group, bool) {
	for _, g := range groups {
		if g.Name == name {
			return g, true
		}
	}
	return protocol.Group{}, false
}

func findForm(forms []protocol.TicketForm, name string) (int64, bool) {
	for _, f := range forms {
		if f.Name == name {
			return f.ID, true
		}
	}
	return 0, false
}

// resolveInitialFields turns name-addressed field mappings into field ids
// using the desk's field definitions.
func resolveInitialFields(ctx context.Context, client *desk.Client, mappings []config.FieldMapping) (map[int64]string, error) {
	if len(mappings) == 0 {
		return nil, nil
	}

	var fields []protocol.TicketField
	needLookup := false
	for _, m := range mappings {
		if m.ID == 0 {
			needLookup = true
			break
		}
	}
	if needLookup {
		var err error
		fields, err = client.ListTicketFields(ctx)
		if err != nil {
			return nil, err
		}
	}

	out := make(map[int64]string, len(mappings))
	for _, m := range mappings {
		id := m.ID
		if id == 0 {
			for _, f := range fields {
				if f.Active && f.Name == m.Name {
					id = f.ID
					break
				}
			}
			if id == 0 {
				return nil, fmt.Errorf("ticket field %q not found on desk", m.Name)
			}
		}
		out[id] = m.Value
	}
	return out, nil
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	var sinks notify.Multi
	if cfg.Slack != nil {
		s, err := notify.NewSlack(cfg.Slack.Token, cfg.Slack.Channel, logger.With("notifier", "slack"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Telegram != nil {
		t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, logger.With("notifier", "telegram"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, t)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func handlerOrNil(h *webhook.Handler) http.Handler {
	if h == nil {
		return nil
	}
	return h
}

// bridgeServiceAdapter implements api.BridgeService over the engine and
// poller.
type bridgeServiceAdapter struct {
	eng *engine.Engine
	pol *poller.Poller
}

func (b *bridgeServiceAdapter) RecentOutcomes(limit int) []engine.Outcome {
	return b.eng.Outcomes().Recent(limit)
}

func (b *bridgeServiceAdapter) OutcomesForIssue(issueKey string) []engine.Outcome {
	return b.eng.Outcomes().ForIssue(issueKey)
}

func (b *bridgeServiceAdapter) TriggerSync(ctx context.Context) {
	go b.pol.Sweep(context.WithoutCancel(ctx))
}
