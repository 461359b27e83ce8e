// Package coordinator wires every fabric component into one controller
// process (spec §2, §5), grounded on the teacher's pkg/manager: a
// Config-constructed, long-lived object owning the Index, Transfer Engine,
// Agent Registry, Message Bus, Event Broker, Export Policy Engine, Job
// Queue, Request Planner, Smelting Orchestrator, shop Engine, persistence,
// and the Periodic Scheduler that drives them all.
package coordinator

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/fabric/pkg/agent"
	"github.com/cuemby/fabric/pkg/bus"
	"github.com/cuemby/fabric/pkg/config"
	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/export"
	"github.com/cuemby/fabric/pkg/index"
	"github.com/cuemby/fabric/pkg/jobqueue"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/persist"
	"github.com/cuemby/fabric/pkg/request"
	"github.com/cuemby/fabric/pkg/scheduler"
	"github.com/cuemby/fabric/pkg/shop"
	"github.com/cuemby/fabric/pkg/smelting"
	"github.com/cuemby/fabric/pkg/transfer"
	"github.com/rs/zerolog"
)

// Coordinator is THE CORE: the single long-running controller process
// described in spec §1/§2.
type Coordinator struct {
	cfg *config.Config

	Index     *index.Index
	Transfer  *transfer.Engine
	Agents    *agent.Registry
	Bus       *bus.Bus
	Events    *bus.EventBroker
	Export    *export.Engine
	Smelting  *smelting.Orchestrator
	Jobs      *jobqueue.Queue
	Planner   *request.Planner
	Shop      *shop.Engine
	Catalogue *shop.Catalogue
	Store     *persist.Store
	Scheduler *scheduler.Scheduler

	logger zerolog.Logger
}

// New constructs a Coordinator from cfg, a RecipeBook, and a shop Refunder.
// The Index starts empty; callers register containers with
// RegisterContainer before Start.
func New(cfg *config.Config, book jobqueue.RecipeBook, refunder shop.Refunder) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}

	store, err := persist.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open persistence: %w", err)
	}

	idx := index.New()
	busInstance := bus.New("core", "fabric-core")
	eventBroker := bus.NewEventBroker()

	lookup := func(container string) (driver.Driver, bool) {
		return idx.Driver(container)
	}
	tr := transfer.New(idx, lookup, transfer.WithBatchWidth(cfg.TransferBatchWidth))

	exportEngine := export.New(idx, tr)
	tr2 := transfer.New(idx, lookup,
		transfer.WithBatchWidth(cfg.TransferBatchWidth),
		transfer.WithDestinationGuard(exportEngine.IsExportTarget),
	)

	smeltingOrch := smelting.New(idx, tr)
	jobs := jobqueue.New(book, cfg.JobHistorySize)
	planner := request.New(jobs, book, smeltingOrch)

	catalogue := shop.NewCatalogue(eventBroker)
	shopEngine := shop.New(idx, tr, catalogue, refunder, eventBroker)

	agents := agent.New(agent.Thresholds{Degraded: cfg.AgentDegradedAfter, Offline: cfg.AgentOfflineAfter})

	c := &Coordinator{
		cfg:       cfg,
		Index:     idx,
		Transfer:  tr2,
		Agents:    agents,
		Bus:       busInstance,
		Events:    eventBroker,
		Export:    exportEngine,
		Smelting:  smeltingOrch,
		Jobs:      jobs,
		Planner:   planner,
		Shop:      shopEngine,
		Catalogue: catalogue,
		Store:     store,
		logger:    log.WithComponent("coordinator"),
	}

	c.wireBusHandlers()
	c.Scheduler = scheduler.New(c.tasks()...)
	return c, nil
}

// wireBusHandlers registers the handlers that translate wire envelopes
// into registry/job-queue/planner transitions (spec §6 wire protocol
// table).
func (c *Coordinator) wireBusHandlers() {
	c.Bus.On(bus.Ping, func(env bus.Envelope) {
		c.Agents.Heartbeat(env.SenderID)
		c.Bus.Send(bus.Pong, nil, env.SenderID)
	})
	c.Bus.On(bus.Status, func(env bus.Envelope) {
		status, _ := env.Data["status"].(string)
		currentJob, _ := env.Data["currentJob"].(string)
		stats, _ := env.Data["stats"].(map[string]any)

		prev, hadPrev := c.Agents.Get(env.SenderID)
		if err := c.Agents.UpdateStatus(env.SenderID, agent.Status(status), currentJob, stats); err != nil {
			c.logger.Debug().Err(err).Str("agent_id", env.SenderID).Msg("status update for unknown agent")
			return
		}
		if agent.Status(status) == agent.StatusIdle && (!hadPrev || prev.Status != agent.StatusIdle) {
			c.publishIdle(prev.Kind, env.SenderID)
		}
	})
	c.Bus.On(bus.CraftComplete, func(env bus.Envelope) {
		c.completeJob(env, bus.EventCraftComplete)
	})
	c.Bus.On(bus.CraftFailed, func(env bus.Envelope) {
		c.failJob(env, bus.EventCraftFailed)
	})
	// WORK_REQUEST/WORK_COMPLETE/WORK_FAILED are analogous to the craft
	// triad for worker agents (spec §6): same Job lifecycle, dispatched to
	// workers instead of crafters by capability.
	c.Bus.On(bus.WorkComplete, func(env bus.Envelope) {
		c.completeJob(env, bus.EventCraftComplete)
	})
	c.Bus.On(bus.WorkFailed, func(env bus.Envelope) {
		c.failJob(env, bus.EventCraftFailed)
	})
	// AISLE-PING is a shop aisle's liveness probe, auto-registering it the
	// same way an unknown PING sender is (spec §4.4 "Auto-registration",
	// §6 "AISLE-PING / AISLE-PONG").
	c.Bus.On(bus.AislePing, func(env bus.Envelope) {
		c.Agents.Register(env.SenderID, agent.KindAisle, env.SenderLabel, nil)
		c.Agents.Heartbeat(env.SenderID)
		c.Bus.Send(bus.AislePong, map[string]any{"lastSeen": env.Timestamp}, env.SenderID)
	})
	// COMMAND/ACK/COMPLETE/ERROR (spec §6) is the turtle fleet controller's
	// lifecycle: a turtle acknowledges receipt, then reports completion or
	// failure of the commanded build/move/turn/etc step. The road-building
	// planner that decides *which* command to send next belongs to that
	// product, not the core (spec §1 "the turtle-side firmware (treated as
	// a remote agent speaking the wire protocol)"); the core only tracks
	// liveness and logs the lifecycle.
	c.Bus.On(bus.Ack, func(env bus.Envelope) {
		c.Agents.Heartbeat(env.SenderID)
	})
	c.Bus.On(bus.Complete, func(env bus.Envelope) {
		c.Agents.Heartbeat(env.SenderID)
		if err := c.Agents.UpdateStatus(env.SenderID, agent.StatusIdle, "", nil); err != nil {
			c.logger.Debug().Err(err).Str("agent_id", env.SenderID).Msg("COMPLETE for unknown agent")
		}
	})
	c.Bus.On(bus.ErrorMsg, func(env bus.Envelope) {
		reason, _ := env.Data["error"].(string)
		c.logger.Warn().Str("agent_id", env.SenderID).Str("reason", reason).Msg("agent reported ERROR")
		c.Agents.Heartbeat(env.SenderID)
	})
}

// CancelRequest cancels a Request and publishes history_undo (spec §6):
// the operator-facing analogue of the teacher's reconciliation history
// undo, here scoped to reverting a not-yet-delivered Request.
func (c *Coordinator) CancelRequest(requestID string) error {
	if err := c.Planner.Cancel(requestID); err != nil {
		return err
	}
	c.Events.Publish(bus.EventHistoryUndo, map[string]any{"requestId": requestID})
	return nil
}

// SendCommand dispatches a turtle COMMAND envelope (spec §6: build, move,
// turn, refill, deposit, goHome, setHome, update, setWidth, setBlock,
// stop).
func (c *Coordinator) SendCommand(agentID, command string, params map[string]any) {
	c.Bus.Send(bus.Command, map[string]any{"command": command, "params": params}, agentID)
}

// publishIdle emits the kind-specific idle event consumed by dispatch
// (spec §6 "crafter_idle" / "worker_idle").
func (c *Coordinator) publishIdle(kind agent.Kind, agentID string) {
	switch kind {
	case agent.KindWorker:
		c.Events.Publish(bus.EventWorkerIdle, map[string]any{"agentId": agentID})
	default:
		c.Events.Publish(bus.EventCrafterIdle, map[string]any{"agentId": agentID})
	}
}

func (c *Coordinator) completeJob(env bus.Envelope, evt bus.ObservableEvent) {
	jobID, _ := env.Data["jobId"].(string)
	actual, _ := env.Data["actualOutput"].(float64)
	if _, err := c.Jobs.Complete(jobID, uint(actual)); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("completion report for unknown job")
		return
	}
	c.Planner.MarkJobOutcome(jobID, jobqueue.StatusCompleted, "")
	c.Events.Publish(evt, map[string]any{"jobId": jobID})
}

func (c *Coordinator) failJob(env bus.Envelope, evt bus.ObservableEvent) {
	jobID, _ := env.Data["jobId"].(string)
	reason, _ := env.Data["reason"].(string)
	if _, err := c.Jobs.Fail(jobID, reason); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("failure report for unknown job")
		return
	}
	c.Planner.MarkJobOutcome(jobID, jobqueue.StatusFailed, reason)
	c.Events.Publish(evt, map[string]any{"jobId": jobID, "reason": reason})
}

// tasks builds the Periodic Scheduler's task list (spec §5).
func (c *Coordinator) tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: "scan", Interval: c.cfg.ScanInterval, Run: func(ctx context.Context) {
			c.Index.Scan(ctx, false)
		}},
		{Name: "export", Interval: c.cfg.ExportTickInterval, Run: func(ctx context.Context) {
			c.Export.Tick(ctx)
		}},
		{Name: "smelting", Interval: c.cfg.SmeltingTickInterval, Run: func(ctx context.Context) {
			c.Smelting.Tick(ctx)
		}},
		{Name: "health-sweep", Interval: c.cfg.HealthSweepInterval, Run: func(ctx context.Context) {
			for _, change := range c.Agents.SweepHealth() {
				evt := bus.EventAgentStatusChange
				if a, ok := c.Agents.Get(change.AgentID); ok && a.Kind == agent.KindAisle {
					evt = bus.EventAisleStatusChange
				}
				c.Events.Publish(evt, map[string]any{
					"agentId": change.AgentID, "newHealth": change.NewHealth, "oldHealth": change.OldHealth,
				})
			}
		}},
		{Name: "shopsync", Interval: c.cfg.ShopSyncInterval, Run: func(ctx context.Context) {
			c.broadcastShopSync()
		}},
		{Name: "dispatch", Interval: c.cfg.HeartbeatInterval, Run: func(ctx context.Context) {
			c.dispatchPendingJobs()
		}},
	}
}

// dispatchPendingJobs assigns the oldest pending Job to an idle capable
// agent and sends CRAFT_REQUEST, the loop described informally in spec §5
// "the planner/request loop".
func (c *Coordinator) dispatchPendingJobs() {
	job, ok := c.Jobs.Next()
	if !ok {
		return
	}
	a, ok := c.Agents.GetIdle(job.Recipe)
	if !ok {
		return
	}
	if err := c.Jobs.Assign(job.ID, a.ID); err != nil {
		c.logger.Debug().Err(err).Str("job_id", job.ID).Msg("assign failed")
		return
	}
	c.Bus.Send(bus.CraftRequest, map[string]any{"job": job}, a.ID)
}

// broadcastShopSync advertises the product catalogue's prices and stock
// over the bus (spec §6 "SHOPSYNC", "ctrl -> broadcast", "discovery
// advert"), the shop product's analogue of the teacher's periodic
// discovery broadcast.
func (c *Coordinator) broadcastShopSync() {
	products := c.Catalogue.All()
	if len(products) == 0 {
		return
	}
	items := make([]map[string]any, 0, len(products))
	for bareValue, p := range products {
		items = append(items, map[string]any{
			"item":  p.Item.String(),
			"price": p.Cost,
			"stock": c.Index.GetStock(p.Item),
			"name":  p.Name,
			"bare":  bareValue,
		})
	}
	c.Bus.Broadcast(bus.ShopSync, map[string]any{"info": "fabric-shop", "items": items})
}

// RegisterContainer registers a container with the Index under the given
// role and capacity, and makes its Driver resolvable to the Transfer
// Engine (spec §4.1, §4.2).
func (c *Coordinator) RegisterContainer(name string, role driver.Role, size uint, d driver.Driver) {
	c.Index.Register(name, role, size, d)
}

// Start begins the bus receive loop, the event broker, and every periodic
// scheduler task.
func (c *Coordinator) Start() {
	c.Bus.Start()
	c.Events.Start()
	c.Scheduler.Start()
}

// Stop halts every running component and closes persistence.
func (c *Coordinator) Stop() {
	c.Scheduler.Stop()
	c.Bus.Stop()
	c.Events.Stop()
	_ = c.Store.Close()
}
