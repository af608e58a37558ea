// Package orchestrator ties model routing, spend tracking and dialogue
// state to the bot bridge. It owns no transport of its own: events come
// in through the Bridge handlers it registers and replies go back out as
// bridge actions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pario-ai/helmsman/pkg/bridge"
	"github.com/pario-ai/helmsman/pkg/budget"
	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/conversation"
	"github.com/pario-ai/helmsman/pkg/mcp"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/pario-ai/helmsman/pkg/provider"
	"github.com/pario-ai/helmsman/pkg/router"
)

const (
	defaultMaxAttempts       = 3
	defaultConfidenceFloor   = 0.4
	defaultMaxExchanges      = 10
	defaultConfidencePenalty = 0.2
)

// Bridge is the part of bridge.Client the orchestrator uses.
type Bridge interface {
	CallAction(ctx context.Context, name, key string, payload, out any) error
	Query(ctx context.Context, name, key string, payload, out any) error
	HandleEvent(name string, fn bridge.EventHandler)
	HandleQuery(name string, fn bridge.RequestHandler)
}

// Tools is the part of mcp.Client used to fetch memories.
type Tools interface {
	Connected() bool
	CallTool(ctx context.Context, name string, args any) (*mcp.ToolCallResult, error)
}

// Cache stores classifier verdicts keyed by prompt hash.
type Cache interface {
	Get(hash, scope string) ([]byte, bool)
	Put(hash, scope string, value []byte) error
}

// Recorder receives one record per model attempt.
type Recorder interface {
	Record(ctx context.Context, rec models.CallRecord) error
}

// Options configures an Orchestrator. Router, Budget, Conversations,
// Provider and Bridge are required.
type Options struct {
	Router        *router.Router
	Budget        *budget.Monitor
	Conversations *conversation.Manager
	Provider      provider.Provider
	Bridge        Bridge

	// Tools and MemoryTool are optional. When both are set, each user
	// message is sent to MemoryTool and the result becomes the
	// conversation's memories.
	Tools      Tools
	MemoryTool string

	// Cache and Audit are optional.
	Cache Cache
	Audit Recorder

	// Instance identifies this process in ai.status replies.
	Instance string

	MaxAttempts       int
	ConfidenceFloor   float64
	MaxExchanges      int
	ConfidencePenalty float64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Orchestrator handles ticket traffic from the bridge.
type Orchestrator struct {
	router   *router.Router
	budget   *budget.Monitor
	convs    *conversation.Manager
	provider provider.Provider
	bridge   Bridge
	tools    Tools
	cache    Cache
	audit    Recorder

	memoryTool        string
	instance          string
	maxAttempts       int
	confidenceFloor   float64
	maxExchanges      int
	confidencePenalty float64

	clock  clock.Clock
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	var errs []error
	if opts.Router == nil {
		errs = append(errs, errors.New("router is required"))
	}
	if opts.Budget == nil {
		errs = append(errs, errors.New("budget monitor is required"))
	}
	if opts.Conversations == nil {
		errs = append(errs, errors.New("conversation manager is required"))
	}
	if opts.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if opts.Bridge == nil {
		errs = append(errs, errors.New("bridge is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		router:            opts.Router,
		budget:            opts.Budget,
		convs:             opts.Conversations,
		provider:          opts.Provider,
		bridge:            opts.Bridge,
		tools:             opts.Tools,
		cache:             opts.Cache,
		audit:             opts.Audit,
		memoryTool:        opts.MemoryTool,
		instance:          opts.Instance,
		maxAttempts:       opts.MaxAttempts,
		confidenceFloor:   opts.ConfidenceFloor,
		maxExchanges:      opts.MaxExchanges,
		confidencePenalty: opts.ConfidencePenalty,
		clock:             opts.Clock,
		logger:            opts.Logger,
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = defaultMaxAttempts
	}
	if o.confidenceFloor <= 0 {
		o.confidenceFloor = defaultConfidenceFloor
	}
	if o.maxExchanges <= 0 {
		o.maxExchanges = defaultMaxExchanges
	}
	if o.confidencePenalty <= 0 {
		o.confidencePenalty = defaultConfidencePenalty
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o, nil
}

// Register installs the orchestrator's event and query handlers on the
// bridge. Call it before the bridge starts running.
func (o *Orchestrator) Register() {
	o.bridge.HandleEvent(bridge.EventTicketCreated, o.onTicketCreated)
	o.bridge.HandleEvent(bridge.EventTicketMessage, o.onTicketMessage)
	o.bridge.HandleEvent(bridge.EventTicketClosed, o.onTicketClosed)
	o.bridge.HandleQuery(bridge.QueryAIStatus, func(context.Context, *bridge.Request) (any, error) {
		return o.Status(), nil
	})
}

// Status reports budget, dialogue and routing health.
func (o *Orchestrator) Status() *bridge.AIStatus {
	return &bridge.AIStatus{
		Instance:      o.instance,
		Budget:        o.budget.Status(),
		Conversations: o.convs.Len(),
		Models:        o.router.Status(),
	}
}

func (o *Orchestrator) onTicketCreated(ctx context.Context, req *bridge.Request) error {
	var ev bridge.TicketCreated
	if err := req.Decode(&ev); err != nil {
		return err
	}
	o.convs.GetOrCreate(ev.TicketID)

	var member *bridge.MemberInfo
	var info bridge.MemberInfo
	err := o.bridge.Query(ctx, bridge.QueryMemberInfo, ev.TicketID, &bridge.MemberInfoQuery{UserID: ev.UserID}, &info)
	switch {
	case err != nil:
		o.logger.Debug("member lookup failed", "ticket", ev.TicketID, "user", ev.UserID, "error", err)
	case info.UserID == "" && info.DisplayName == "":
		// empty default from a failed lookup on the chat side
	default:
		member = &info
	}

	o.convs.SetSystemPrompt(ev.TicketID, systemPrompt(&ev, member))
	o.logger.Info("ticket opened", "ticket", ev.TicketID, "category", ev.Category)
	return nil
}

func (o *Orchestrator) onTicketMessage(ctx context.Context, req *bridge.Request) error {
	var msg bridge.TicketMessage
	if err := req.Decode(&msg); err != nil {
		return err
	}
	_, err := o.HandleMessage(ctx, msg)
	return err
}

func (o *Orchestrator) onTicketClosed(_ context.Context, req *bridge.Request) error {
	var ev bridge.TicketClosed
	if err := req.Decode(&ev); err != nil {
		return err
	}
	cost := o.budget.CloseTicket(ev.TicketID)
	o.convs.Remove(ev.TicketID)

	if cost == nil {
		o.logger.Info("ticket closed", "ticket", ev.TicketID, "calls", 0)
		return nil
	}
	o.logger.Info("ticket closed",
		"ticket", ev.TicketID,
		"calls", cost.Calls,
		"cost", cost.TotalCost,
		"models", cost.ModelList(),
	)
	return nil
}
