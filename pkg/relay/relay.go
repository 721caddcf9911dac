package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/studify-ai/studify/pkg/prompt"
)

const (
	DefaultURL     = "https://openrouter.ai/api/v1/chat/completions"
	DefaultTimeout = 60 * time.Second
	// MaxLineBytes caps one line of the upstream event stream.
	MaxLineBytes = 1 << 20

	doneSentinel = "[DONE]"
)

type Config struct {
	// URL is the chat completions endpoint.
	URL    string
	APIKey string
	// Timeout bounds the whole exchange, including reading the stream.
	Timeout time.Duration

	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string

	HTTPClient *http.Client
}

// Relay streams chat completions from an OpenAI compatible provider.
type Relay struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Relay {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Relay{cfg: cfg, client: client}
}

// Stream is a single upstream completion. Events must be drained or the
// stream closed; it cannot be restarted.
type Stream struct {
	model  string
	events chan Event
	done   chan struct{}
	quit   chan struct{}
	parent context.Context
	cancel context.CancelFunc
	once   sync.Once
	reply  strings.Builder
}

// Stream starts the upstream request in the background and returns
// immediately. The events channel is closed after exactly one error or done
// event, or early if the caller cancels ctx or closes the stream.
func (r *Relay) Stream(ctx context.Context, model string, messages []prompt.Message) *Stream {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	s := &Stream{
		model:  model,
		events: make(chan Event),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		parent: ctx,
		cancel: cancel,
	}
	go s.run(reqCtx, r, messages)
	return s
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

// Reply blocks until the producer has exited and returns the concatenation
// of every text event.
func (s *Stream) Reply() string {
	<-s.done
	return s.reply.String()
}

// Close aborts the upstream request. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.quit)
		s.cancel()
	})
}

func (s *Stream) aborted() bool {
	select {
	case <-s.quit:
		return true
	case <-s.parent.Done():
		return true
	default:
		return false
	}
}

// emit hands an event to the consumer, giving up if the consumer went away.
func (s *Stream) emit(e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.quit:
		return false
	case <-s.parent.Done():
		return false
	}
}

func (s *Stream) run(ctx context.Context, r *Relay, messages []prompt.Message) {
	start := time.Now()
	outcome := outcomeAborted
	logger := log.WithField("model", s.model)
	defer func() {
		s.cancel()
		streamsMetric.WithLabelValues(s.model, outcome).Inc()
		streamDurationMetric.WithLabelValues(s.model).Observe(time.Since(start).Seconds())
		close(s.events)
		close(s.done)
	}()

	fail := func(msg string) {
		if s.aborted() {
			return
		}
		outcome = outcomeError
		s.emit(ErrorEvent(msg))
	}

	resp, err := r.post(ctx, s.model, messages)
	if err != nil {
		logger.WithError(err).Warn("error calling provider")
		fail(err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logger.WithField("status", resp.StatusCode).Warnf("provider returned error: %s", strings.TrimSpace(string(body)))
		fail(fmt.Sprintf("provider error: status %d", resp.StatusCode))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		ev, ok := s.parseLine(scanner.Text())
		if !ok {
			continue
		}
		if ev.Kind == EventError {
			logger.Warnf("provider reported error mid-stream: %s", ev.Text)
			fail(ev.Text)
			return
		}
		if ev.Kind == EventDone {
			outcome = outcomeDone
			s.emit(ev)
			return
		}
		s.reply.WriteString(ev.Text)
		textChunksMetric.WithLabelValues(s.model).Inc()
		if !s.emit(ev) {
			return
		}
	}

	readErr := scanner.Err()
	if readErr == nil {
		// Some providers close the stream without sending the sentinel.
		outcome = outcomeDone
		s.emit(DoneEvent())
		return
	}
	if errors.Is(readErr, bufio.ErrTooLong) {
		logger.Warnf("provider sent a line longer than %d bytes", MaxLineBytes)
		fail("provider error: stream line too long")
		return
	}
	if !s.aborted() {
		logger.WithError(readErr).Warn("error reading provider stream")
	}
	fail(readErr.Error())
}

// parseLine turns one SSE line into an event. Comments, blank lines, empty
// deltas and malformed JSON yield ok=false.
func (s *Stream) parseLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return Event{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == doneSentinel {
		return DoneEvent(), true
	}
	if !gjson.Valid(payload) {
		malformedFragmentsMetric.Inc()
		return Event{}, false
	}

	if e := gjson.Get(payload, "error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return ErrorEvent("provider error: " + msg), true
	}

	delta := gjson.Get(payload, "choices.0.delta.content").String()
	if delta == "" {
		return Event{}, false
	}
	return TextEvent(delta), true
}

type completionRequest struct {
	Model    string           `json:"model"`
	Messages []prompt.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

func (r *Relay) post(ctx context.Context, model string, messages []prompt.Message) (*http.Response, error) {
	body, err := json.Marshal(completionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not build completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	if r.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", r.cfg.Referer)
	}
	if r.cfg.Title != "" {
		req.Header.Set("X-Title", r.cfg.Title)
	}

	return r.client.Do(req)
}
