package spawn

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/render"
	"catchdex.io/internal/scheduler"
)

// Prompter delivers prompts to the chat transport.
type Prompter interface {
	Deliver(ctx context.Context, p protocol.Prompt) error
}

type Timing struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Probability float64
	Expiry      time.Duration
	MaxBonus    int
}

// Controller runs the Idle -> Active -> Claimed|Expired cycle of one
// channel. Timers go through the shared scheduler.
type Controller struct {
	channel  string
	timing   Timing
	cat      *catalog.Catalog
	dice     *catalog.Dice
	arb      *Arbiter
	sched    *scheduler.Scheduler
	prompter Prompter
	renderer render.Renderer
	log      *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *Instance
	stopped bool
	spawns  int
}

type ControllerDeps struct {
	Catalog   *catalog.Catalog
	Dice      *catalog.Dice
	Arbiter   *Arbiter
	Scheduler *scheduler.Scheduler
	Prompter  Prompter
	Renderer  render.Renderer
	Logger    *log.Logger
	Now       func() time.Time
}

func NewController(channel string, timing Timing, deps ControllerDeps) *Controller {
	c := &Controller{
		channel:  channel,
		timing:   timing,
		cat:      deps.Catalog,
		dice:     deps.Dice,
		arb:      deps.Arbiter,
		sched:    deps.Scheduler,
		prompter: deps.Prompter,
		renderer: deps.Renderer,
		log:      deps.Logger,
		now:      deps.Now,
	}
	if c.log == nil {
		c.log = log.New(io.Discard, "", 0)
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.dice == nil {
		c.dice = catalog.RandomDice()
	}
	if c.renderer == nil {
		c.renderer = render.Text{Now: c.now}
	}
	return c
}

func (c *Controller) Channel() string { return c.channel }

func (c *Controller) timerKey() string  { return "spawn:" + c.channel }
func (c *Controller) expiryKey() string { return "spawn-expire:" + c.channel }

// Current returns the live instance, if any.
func (c *Controller) Current() *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Spawns counts instances created since start.
func (c *Controller) Spawns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawns
}

// Arm schedules the next spawn roll a uniform interval from now.
func (c *Controller) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked()
}

func (c *Controller) armLocked() {
	if c.stopped || c.current != nil {
		return
	}
	lo, hi := int64(c.timing.MinInterval), int64(c.timing.MaxInterval)
	wait := time.Duration(c.dice.Between(lo, hi))
	c.sched.At(c.timerKey(), c.now().Add(wait), c.roll)
}

// roll fires at the end of an idle interval.
func (c *Controller) roll() {
	if c.dice.Float64() >= c.timing.Probability {
		c.Arm()
		return
	}
	if _, err := c.Spawn(context.Background(), ""); err != nil {
		c.log.Printf("channel %s: spawn failed: %v", c.channel, err)
		c.Arm()
	}
}

// Spawn creates a new instance now. An empty definitionID rolls one by
// weight. It fails with STATE_CONFLICT while another instance is live.
func (c *Controller) Spawn(ctx context.Context, definitionID string) (*Instance, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, dexerr.New(dexerr.CodeStateConflict, "controller stopped")
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil, dexerr.Newf(dexerr.CodeStateConflict, "channel %s already has a spawn", c.channel)
	}
	def, err := c.pickLocked(definitionID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	now := c.now()
	inst := newInstance(uuid.NewString(), c.channel, def, nil, now, c.timing.Expiry)
	if s, ok := c.cat.RollSpecial(now, c.dice); ok {
		inst.Special = &s
	}
	b := int64(c.timing.MaxBonus)
	inst.Attack = int(c.dice.Between(-b, b))
	inst.Health = int(c.dice.Between(-b, b))
	c.current = inst
	c.spawns++
	c.sched.Cancel(c.timerKey())
	c.sched.At(c.expiryKey(), inst.ExpiresAt, func() { inst.Expire() })
	c.mu.Unlock()

	c.deliver(ctx, inst)
	go c.await(inst)
	c.log.Printf("channel %s: spawned %s (%s) until %s", c.channel, inst.Definition.ID, inst.ID, inst.ExpiresAt.Format(time.RFC3339))
	return inst, nil
}

func (c *Controller) pickLocked(definitionID string) (catalog.Item, error) {
	if definitionID != "" {
		def, ok := c.cat.Item(definitionID)
		if !ok {
			return catalog.Item{}, dexerr.Newf(dexerr.CodeNotFound, "item %s not in catalog", definitionID)
		}
		return def, nil
	}
	def, err := catalog.Pick(c.cat.Spawnable(), c.dice)
	if err != nil {
		return catalog.Item{}, dexerr.Wrap(dexerr.CodeNotFound, "roll spawn", err)
	}
	return def, nil
}

// await finishes an instance once it is claimed or expired and re-arms.
func (c *Controller) await(inst *Instance) {
	<-inst.Done()
	c.sched.Cancel(c.expiryKey())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.deliver(ctx, inst)
	c.mu.Lock()
	if c.current == inst {
		c.current = nil
	}
	c.armLocked()
	c.mu.Unlock()
}

func (c *Controller) deliver(ctx context.Context, inst *Instance) {
	if c.prompter == nil {
		return
	}
	p := protocol.NewPrompt("spawn:"+inst.ID, protocol.PromptSpawn)
	p.Channel = inst.Channel
	state := inst.State()
	p.State = state.String()
	switch state {
	case Claimed:
		out, _ := inst.Outcome()
		p.Text = fmt.Sprintf("%s caught %s! (#%d)", out.Winner, inst.Definition.Name, out.Item.ID)
		if inst.Special != nil {
			p.Text += " It is " + inst.Special.Name + "!"
		}
		p.Final = true
	case Expired:
		p.Text = fmt.Sprintf("The wild %s fled.", inst.Definition.Name)
		p.Final = true
	default:
		p.Text = "A wild item appeared! Name it to catch it."
		p.Actions = []string{protocol.KindClaim}
		if card, err := c.renderer.Render(inst.Definition, inst.Special, nil); err == nil {
			p.Card = &card
		}
	}
	if err := c.prompter.Deliver(ctx, p); err != nil {
		c.log.Printf("channel %s: deliver %s: %v", c.channel, p.PromptID, err)
	}
}

// Claim routes an attempt to the live instance, or answers from the claim
// token when spawnID is no longer live.
func (c *Controller) Claim(ctx context.Context, spawnID string, at Attempt) (Outcome, error) {
	inst := c.Current()
	if inst == nil || inst.ID != spawnID {
		return c.arb.Replay(ctx, spawnID, at)
	}
	return c.arb.Claim(ctx, inst, at)
}

// Stop cancels pending timers. A live instance is left to expire.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.sched.Cancel(c.timerKey())
}
