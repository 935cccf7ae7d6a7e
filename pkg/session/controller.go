// Package session drives one attendance session: it announces the course,
// listens for identity beacons and feeds them to the dedup engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kabili207/rollcall/pkg/broadcast"
	"github.com/kabili207/rollcall/pkg/codec"
	"github.com/kabili207/rollcall/pkg/dedup"
	"github.com/kabili207/rollcall/pkg/listen"
	"github.com/kabili207/rollcall/pkg/metrics"
	"github.com/kabili207/rollcall/pkg/models"
	"github.com/kabili207/rollcall/pkg/radio"
	"github.com/kabili207/rollcall/pkg/schedule"
)

const (
	radioBroadcaster = "broadcaster"
	radioListener    = "listener"
)

// Gateway is the persistence a controller needs.
type Gateway interface {
	dedup.Gateway
	CreateSession(ctx context.Context, courseName, hostID string) (*models.Session, error)
	DeactivateSession(ctx context.Context, sess *models.Session) error
}

// Config tunes a Controller.
type Config struct {
	HostID        string
	AdvertiseMode broadcast.Mode
	// AdvertiseInterval overrides the mode interval when non-zero.
	AdvertiseInterval time.Duration

	RadioStartAttempts     int
	RadioRetryDelay        time.Duration
	MaxConsecutiveFailures int
	// ListenerMinRSSI drops weak frames before they reach the queue. Zero
	// leaves the floor to the dedup engine.
	ListenerMinRSSI int

	Workers   int
	QueueSize int

	AckRepeats  int
	AckInterval time.Duration

	DecisionTimeout time.Duration
	CloseTimeout    time.Duration

	Dedup dedup.Config
}

// DefaultConfig returns the stock controller settings.
func DefaultConfig() Config {
	return Config{
		AdvertiseMode:          broadcast.Balanced,
		RadioStartAttempts:     3,
		RadioRetryDelay:        2 * time.Second,
		MaxConsecutiveFailures: 5,
		Workers:                4,
		QueueSize:              256,
		AckRepeats:             3,
		AckInterval:            200 * time.Millisecond,
		DecisionTimeout:        30 * time.Second,
		CloseTimeout:           10 * time.Second,
		Dedup:                  dedup.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RadioStartAttempts <= 0 {
		c.RadioStartAttempts = def.RadioStartAttempts
	}
	if c.RadioRetryDelay <= 0 {
		c.RadioRetryDelay = def.RadioRetryDelay
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.AckRepeats <= 0 {
		c.AckRepeats = 1
	}
	if c.AckInterval <= 0 {
		c.AckInterval = def.AckInterval
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = def.DecisionTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	return c
}

// Deps are the collaborators of a Controller. Gateway and Medium are required.
type Deps struct {
	Gateway  Gateway
	Medium   radio.Medium
	Logger   *slog.Logger
	Notifier *Notifier
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Controller owns the radios and the dedup engine of a single session. It is
// used once: Idle → Opening → Active → Closing → Closed.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	bc     *broadcast.Broadcaster
	ls     *listen.Listener
	timers *schedule.Scheduler
	queue  chan radio.Frame

	mu          sync.Mutex
	state       State
	session     *models.Session
	engine      *dedup.Engine
	announce    []byte
	err         error
	stopWorkers context.CancelFunc
	workers     *errgroup.Group

	// radioMu serializes radio starts, restarts and the final stop.
	radioMu sync.Mutex

	closeReq     chan struct{}
	closeReqOnce sync.Once
	closed       chan struct{}
	teardownOnce sync.Once
}

// NewController returns an Idle controller.
func NewController(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With("component", "session"),
		timers:   schedule.New(),
		queue:    make(chan radio.Frame, cfg.QueueSize),
		closeReq: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	c.bc = broadcast.New(deps.Medium, broadcast.Options{
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Interval:               cfg.AdvertiseInterval,
		Logger:                 deps.Logger,
		OnFailure: func(err error) {
			c.radioFailed(radioBroadcaster, err, c.startBroadcaster)
		},
	})
	c.ls = listen.New(deps.Medium, listen.Options{
		Logger: deps.Logger,
		OnFailure: func(err error) {
			c.radioFailed(radioListener, err, c.startListener)
		},
	})
	return c
}

func validateCourseName(courseName string) (string, error) {
	name := strings.TrimSpace(courseName)
	if name == "" {
		return "", ErrEmptyCourseName
	}
	if _, err := codec.EncodeAnnounce(codec.AnnouncePacket{CourseName: name, Active: true}); err != nil {
		return "", fmt.Errorf("course name %q: %w", name, err)
	}
	return name, nil
}

// Open creates the durable session for courseName and brings both radios
// up. On failure after the session was created the controller is torn down.
func (c *Controller) Open(ctx context.Context, courseName string) error {
	name, err := validateCourseName(courseName)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot open from %s", ErrInvalidState, st)
	}
	c.setStateLocked(Opening)
	c.mu.Unlock()

	sess, err := c.deps.Gateway.CreateSession(ctx, name, c.cfg.HostID)
	if err != nil {
		err = fmt.Errorf("creating session: %w", err)
		c.mu.Lock()
		if c.closeRequestedLocked() {
			c.mu.Unlock()
			c.teardown()
			return err
		}
		c.err = err
		c.setStateLocked(Idle)
		c.mu.Unlock()
		return err
	}

	announce, err := codec.EncodeAnnounce(codec.AnnouncePacket{
		SessionID:  sess.CourseID,
		CourseName: sess.CourseName,
		Active:     true,
	})
	c.mu.Lock()
	c.session = sess
	c.announce = announce
	c.mu.Unlock()
	if err != nil {
		return c.abortOpen(fmt.Errorf("encoding announcement: %w", err))
	}

	c.startWorkers(sess)

	if err := c.startRadio(ctx, radioBroadcaster, c.startBroadcaster); err != nil {
		return c.abortOpen(err)
	}
	if err := c.startRadio(ctx, radioListener, c.startListener); err != nil {
		return c.abortOpen(err)
	}

	c.mu.Lock()
	if c.closeRequestedLocked() {
		c.mu.Unlock()
		c.teardown()
		return ErrClosed
	}
	c.setStateLocked(Active)
	c.mu.Unlock()

	c.log.Info("session active",
		"session", sess.ID,
		"course", sess.CourseName,
		"course_id", sess.CourseID,
		"mode", c.cfg.AdvertiseMode)
	return nil
}

func (c *Controller) abortOpen(err error) error {
	var rse *RadioStartError
	if errors.As(err, &rse) {
		c.fatal(rse)
	}
	c.teardown()
	return err
}

func (c *Controller) startWorkers(sess *models.Session) {
	engine := dedup.New(sess, c.deps.Gateway, c.cfg.Dedup,
		dedup.WithLogger(c.deps.Logger),
		dedup.WithAcknowledger(c.acknowledge),
		dedup.WithClock(c.deps.Clock),
		dedup.WithMetrics(c.deps.Metrics),
	)

	ctx, stop := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for range c.cfg.Workers {
		g.Go(func() error {
			c.work(ctx, engine)
			return nil
		})
	}

	c.mu.Lock()
	c.engine = engine
	c.stopWorkers = stop
	c.workers = g
	c.mu.Unlock()
}

func (c *Controller) work(ctx context.Context, engine *dedup.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.queue:
			c.handle(engine, f)
		}
	}
}

func (c *Controller) handle(engine *dedup.Engine, f radio.Frame) {
	pkt, err := codec.Decode(f.Payload)
	if err != nil {
		c.deps.Metrics.Malformed()
		c.deps.Metrics.ObserveOutcome(dedup.Malformed.String())
		c.log.Debug("dropping malformed payload", "origin", f.Origin, "error", err)
		return
	}
	id, ok := pkt.(codec.IdentityPacket)
	if !ok {
		return
	}

	// Decisions outlive session cancellation once admitted.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DecisionTimeout)
	defer cancel()
	out := engine.Process(ctx, dedup.Sighting{
		Packet:     id,
		Origin:     f.Origin,
		RSSI:       f.RSSI,
		ReceivedAt: f.ReceivedAt,
	})

	ev := Event{
		Kind:     EventOutcome,
		Subject:  out.Subject,
		Origin:   out.Origin,
		Accepted: out.Accepted,
		Reason:   out.Reason.String(),
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	c.publish(ev)
}

// enqueue is the listener callback. A full queue drops the sighting; the
// beacon repeats.
func (c *Controller) enqueue(f radio.Frame) {
	select {
	case c.queue <- f:
	default:
		c.deps.Metrics.QueueDrop()
		c.log.Debug("sighting queue full, dropping", "origin", f.Origin)
	}
}

func (c *Controller) startBroadcaster() error {
	c.mu.Lock()
	announce := c.announce
	c.mu.Unlock()
	return c.bc.Start(announce, c.cfg.AdvertiseMode)
}

func (c *Controller) startListener() error {
	return c.ls.Start(listen.Filter{
		Prefix:  codec.IdentityPrefix,
		MinRSSI: c.cfg.ListenerMinRSSI,
	}, c.enqueue)
}

// startRadio runs start up to RadioStartAttempts times, waiting
// RadioRetryDelay between attempts.
func (c *Controller) startRadio(ctx context.Context, name string, start func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.RadioStartAttempts; attempt++ {
		if attempt > 1 {
			if werr := c.wait(ctx, c.cfg.RadioRetryDelay); werr != nil {
				return werr
			}
		}

		c.radioMu.Lock()
		err = start()
		c.radioMu.Unlock()
		if err == nil {
			return nil
		}

		c.deps.Metrics.RadioFailure(name)
		c.log.Warn("radio start failed",
			"radio", name,
			"attempt", attempt,
			"error", err)
	}
	return &RadioStartError{Radio: name, Attempts: c.cfg.RadioStartAttempts, Err: err}
}

// wait sleeps on a cancellable task. It returns early when ctx is done or a
// close was requested.
func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	task := c.timers.After(d, func() { close(fired) })
	if task == nil {
		return ErrClosed
	}
	defer task.Cancel()

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeReq:
		return ErrClosed
	}
}

func (c *Controller) radioFailed(name string, err error, start func() error) {
	if !c.running() {
		return
	}
	c.deps.Metrics.RadioFailure(name)
	c.log.Warn("radio failed, restarting", "radio", name, "error", err)
	c.publish(Event{Kind: EventRadio, Radio: name, Error: err.Error()})
	c.scheduleRestart(name, start, 1, err)
}

func (c *Controller) scheduleRestart(name string, start func() error, attempt int, last error) {
	if attempt > c.cfg.RadioStartAttempts {
		c.fatal(&RadioStartError{Radio: name, Attempts: c.cfg.RadioStartAttempts, Err: last})
		return
	}

	c.timers.After(c.cfg.RadioRetryDelay, func() {
		c.radioMu.Lock()
		if !c.running() {
			c.radioMu.Unlock()
			return
		}
		err := start()
		c.radioMu.Unlock()

		if err == nil {
			c.log.Info("radio restarted", "radio", name, "attempt", attempt)
			return
		}
		c.deps.Metrics.RadioFailure(name)
		c.log.Warn("radio restart failed",
			"radio", name,
			"attempt", attempt,
			"error", err)
		c.scheduleRestart(name, start, attempt+1, err)
	})
}

// fatal records an unrecoverable radio failure. The session keeps its state;
// the host has to close it.
func (c *Controller) fatal(err *RadioStartError) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.log.Error("radio unrecoverable",
		"radio", err.Radio,
		"attempts", err.Attempts,
		"error", err.Err)
	c.publish(Event{Kind: EventFatal, Radio: err.Radio, Error: err.Error()})
}

// acknowledge sends ok toward origin, repeated AckRepeats times, while the
// session is Active.
func (c *Controller) acknowledge(ctx context.Context, origin string, ok bool) {
	if c.State() != Active {
		return
	}
	payload := codec.EncodeAck(ok)
	c.sendAck(ctx, origin, payload)

	for i := 1; i < c.cfg.AckRepeats; i++ {
		c.timers.After(time.Duration(i)*c.cfg.AckInterval, func() {
			if c.State() != Active {
				return
			}
			actx, cancel := context.WithTimeout(context.Background(), c.cfg.AckInterval)
			defer cancel()
			c.sendAck(actx, origin, payload)
		})
	}
}

func (c *Controller) sendAck(ctx context.Context, origin string, payload []byte) {
	if err := c.deps.Medium.TransmitTo(ctx, origin, payload); err != nil {
		c.log.Debug("acknowledgement failed", "origin", origin, "error", err)
	}
}

// Close tears the session down and waits until it is Closed or ctx is done.
// It may be called any number of times.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	switch st {
	case Opening:
		// Open notices the request and tears down itself.
		c.requestCloseLocked()
	case Idle, Active:
		c.requestCloseLocked()
		c.setStateLocked(Closing)
	}
	c.mu.Unlock()

	if st == Idle || st == Active {
		c.teardown()
	}

	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the controller reaches Closed.
func (c *Controller) Done() <-chan struct{} { return c.closed }

func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.requestCloseLocked()
		if c.state != Closing {
			c.setStateLocked(Closing)
		}
		sess := c.session
		engine := c.engine
		stop := c.stopWorkers
		workers := c.workers
		c.mu.Unlock()

		c.radioMu.Lock()
		c.ls.Stop()
		c.bc.Stop()
		c.radioMu.Unlock()

		if sess != nil {
			c.announceInactive(sess)
		}
		c.timers.Stop()

		if stop != nil {
			stop()
			_ = workers.Wait()
		}
		if engine != nil {
			engine.Close()
		}

		if sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
			closedSess := *sess
			if err := c.deps.Gateway.DeactivateSession(ctx, &closedSess); err != nil {
				c.log.Error("failed to deactivate session", "session", sess.ID, "error", err)
			} else {
				c.mu.Lock()
				c.session = &closedSess
				c.mu.Unlock()
			}
			cancel()
		}

		c.mu.Lock()
		c.setStateLocked(Closed)
		c.mu.Unlock()
		close(c.closed)
		if sess != nil {
			c.log.Info("session closed", "session", sess.ID, "course", sess.CourseName)
		}
	})
}

// announceInactive sends one final announcement flagged inactive so
// attendees stop beaconing.
func (c *Controller) announceInactive(sess *models.Session) {
	payload, err := codec.EncodeAnnounce(codec.AnnouncePacket{
		SessionID:  sess.CourseID,
		CourseName: sess.CourseName,
	})
	if err != nil {
		c.log.Debug("inactive announcement does not fit", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.deps.Medium.Transmit(ctx, payload); err != nil {
		c.log.Debug("inactive announcement failed", "error", err)
	}
}

func (c *Controller) requestCloseLocked() {
	c.closeReqOnce.Do(func() { close(c.closeReq) })
}

func (c *Controller) closeRequestedLocked() bool {
	select {
	case <-c.closeReq:
		return true
	default:
		return false
	}
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.deps.Metrics.SessionState(s.String())

	ev := Event{Kind: EventState, State: s.String()}
	if c.session != nil {
		ev.SessionID = c.session.ID
	}
	c.publish(ev)
}

func (c *Controller) running() bool {
	st := c.State()
	return st == Opening || st == Active
}

func (c *Controller) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = c.deps.Clock()
	}
	c.deps.Notifier.Publish(ev)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the durable session, or nil before it exists.
func (c *Controller) Session() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Status returns the in-memory processing status of subject.
func (c *Controller) Status(subject string) (dedup.Status, bool) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return dedup.Status{}, false
	}
	return engine.Status(subject)
}

// MaxAttempts returns the effective per-subject attempt cap.
func (c *Controller) MaxAttempts() int {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return c.cfg.Dedup.MaxAttempts
	}
	return engine.Config().MaxAttempts
}

// Err returns the last fatal or open error, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
