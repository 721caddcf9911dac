package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/studify-ai/studify/pkg/db/models"
	"github.com/studify-ai/studify/pkg/history"
	"github.com/studify-ai/studify/pkg/identity"
	"github.com/studify-ai/studify/pkg/persona"
	"github.com/studify-ai/studify/pkg/prompt"
	"github.com/studify-ai/studify/pkg/relay"
	"github.com/studify-ai/studify/pkg/sessionlock"
)

const DefaultCommitTimeout = 10 * time.Second

var (
	ErrUnauthorized   = identity.ErrUnauthorized
	ErrInvalidRequest = errors.New("invalid chat request")
)

// Identity resolves a bearer credential to the user it belongs to.
type Identity interface {
	Authenticate(ctx context.Context, credential string) (*models.User, error)
}

// Relay opens a streamed completion upstream.
type Relay interface {
	Stream(ctx context.Context, model string, messages []prompt.Message) *relay.Stream
}

// Sink receives the events of one chat turn. Start is called once before
// the first event; a Send error means the caller went away.
type Sink interface {
	Start() error
	Send(relay.Event) error
}

type Request struct {
	Message string
	Mode    string
	// Image is an image URL or data URI attached to the message.
	Image   string
	Session string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Session) == "" {
		return errors.WithMessage(ErrInvalidRequest, "session is required")
	}
	if r.Message == "" && r.Image == "" {
		return errors.WithMessage(ErrInvalidRequest, "message or image is required")
	}
	return nil
}

type Config struct {
	Store    history.Store
	Identity Identity
	Relay    Relay
	Personas *persona.Table
	// Locker serializes turns of one session; nil disables locking.
	Locker sessionlock.Locker
	// WindowLimit is how many turns, including the new one, are read back.
	WindowLimit int
	// CommitTimeout bounds persisting the reply once the caller is gone.
	CommitTimeout time.Duration
}

// Gateway runs the lifecycle of a single chat turn: authenticate, persist the
// user turn, compose the prompt with recent history, relay the provider
// stream to the caller and persist whatever reply was produced.
type Gateway struct {
	store         history.Store
	identity      Identity
	relay         Relay
	personas      *persona.Table
	locker        sessionlock.Locker
	windowLimit   int
	commitTimeout time.Duration
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		store:         cfg.Store,
		identity:      cfg.Identity,
		relay:         cfg.Relay,
		personas:      cfg.Personas,
		locker:        cfg.Locker,
		windowLimit:   cfg.WindowLimit,
		commitTimeout: cfg.CommitTimeout,
	}
	if g.personas == nil {
		g.personas = persona.Default()
	}
	if g.locker == nil {
		g.locker = sessionlock.None{}
	}
	if g.windowLimit <= 0 {
		g.windowLimit = history.DefaultWindowLimit
	}
	if g.commitTimeout <= 0 {
		g.commitTimeout = DefaultCommitTimeout
	}
	return g
}

// Chat handles one chat turn. ErrUnauthorized and ErrInvalidRequest are
// returned before the sink is started. Once started, the sink always
// receives a final done event; any failure is reported as one error event
// before it and also returned.
func (g *Gateway) Chat(ctx context.Context, credential string, req Request, sink Sink) error {
	p := g.personas.Resolve(req.Mode, req.Image != "")
	outcome := outcomeCompleted
	defer func() {
		chatRequestsMetric.WithLabelValues(string(p.Mode), outcome).Inc()
	}()

	user, err := g.identity.Authenticate(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			outcome = outcomeUnauthorized
			return ErrUnauthorized
		}
		outcome = outcomeStorageError
		return errors.WithMessage(err, "could not resolve user")
	}
	if err := req.validate(); err != nil {
		outcome = outcomeInvalid
		return err
	}

	logger := log.WithFields(log.Fields{
		"user":    user.ID,
		"session": req.Session,
		"model":   p.Model,
	})

	if err := sink.Start(); err != nil {
		outcome = outcomeDisconnected
		return errors.Wrap(err, "could not start response stream")
	}
	disconnected := false
	defer func() {
		if !disconnected {
			_ = sink.Send(relay.DoneEvent())
		}
	}()
	fail := func(msg string) {
		if !disconnected && sink.Send(relay.ErrorEvent(msg)) != nil {
			disconnected = true
		}
	}

	release, err := g.locker.Lock(ctx, user.ID, req.Session)
	if err != nil {
		logger.WithError(err).Warn("could not acquire session lock")
		outcome = outcomeBusy
		fail("this conversation is busy with another message, try again")
		return errors.WithMessage(err, "could not lock session")
	}
	defer release()

	turn := prompt.NewTurn{
		Text:  req.Message,
		Image: req.Image,
	}
	turnID, err := g.store.Append(ctx, user.ID, req.Session, models.RoleUser, prompt.StoredText(turn))
	if err != nil {
		outcome = outcomeStorageError
		fail("could not save your message")
		return err
	}

	window, err := g.store.Window(ctx, user.ID, req.Session, g.windowLimit)
	if err != nil {
		outcome = outcomeStorageError
		fail("could not load the conversation history")
		return err
	}
	previous := withoutTurn(window, turnID)
	historyWindowMetric.Observe(float64(len(previous)))

	messages := prompt.Build(p, user.PreferenceMap(), previous, turn)

	stream := g.relay.Stream(ctx, p.Model, messages)
	defer stream.Close()

	for ev := range stream.Events() {
		if ev.Kind == relay.EventDone {
			continue
		}
		if ev.Kind == relay.EventError {
			outcome = outcomeProviderError
		}
		if err := sink.Send(ev); err != nil {
			logger.WithError(err).Info("caller disconnected, aborting provider stream")
			disconnected = true
			outcome = outcomeDisconnected
			stream.Close()
			break
		}
	}

	reply := stream.Reply()
	if reply == "" {
		if outcome == outcomeCompleted {
			outcome = outcomeEmpty
		}
		return nil
	}

	// The reply is committed even if the caller is gone.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.commitTimeout)
	defer cancel()
	if _, err := g.store.Append(commitCtx, user.ID, req.Session, models.RoleAssistant, reply); err != nil {
		outcome = outcomeStorageError
		fail("could not save the reply")
		return err
	}
	logger.WithField("reply_bytes", len(reply)).Debug("chat turn committed")
	return nil
}

// withoutTurn drops the turn being answered; it is sent separately.
func withoutTurn(turns []models.ChatTurn, id uint64) []models.ChatTurn {
	out := make([]models.ChatTurn, 0, len(turns))
	for _, t := range turns {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
