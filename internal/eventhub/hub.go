// Package eventhub implements a typed in-process publish/subscribe hub. Events are declared up front in named lists
// with an explicit parameter schema; subscribing with a handler whose signature does not match the declaration is
// rejected at registration time rather than blowing up at dispatch. This keeps the pub/sub discipline explicit instead
// of stringly-typed.
package eventhub

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Sentinel errors for the eventhub package.
var (
	ErrUnknownEvent             = fmt.Errorf("event is not offered by any of the hub's lists")
	ErrHandlerSignatureMismatch = fmt.Errorf("handler signature does not match the event declaration")
	ErrUnknownListener          = fmt.Errorf("handler is not subscribed to this event")
)

// Event is a named event signature. The zero value is invalid; use NewEvent.
type Event struct {
	name   string
	params []reflect.Type
}

// NewEvent declares an event. The prototype must be a func value (typically a nil literal such as
// func(RentalStarted) {}); its parameter types define the event's schema. NewEvent panics on a non-func prototype
// because event declarations are package-level constants of the program, not runtime inputs.
func NewEvent(name string, prototype any) Event {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Func {
		panic(fmt.Sprintf("eventhub: prototype for %q must be a func, got %T", name, prototype))
	}
	params := make([]reflect.Type, t.NumIn())
	for i := range params {
		params[i] = t.In(i)
	}
	return Event{name: name, params: params}
}

// Name returns the event's wire name.
func (e Event) Name() string { return e.name }

// List is a named collection of event signatures a hub can be parameterized with.
type List struct {
	name   string
	events []Event
}

// NewList groups events under a list name.
func NewList(name string, events ...Event) List {
	return List{name: name, events: events}
}

// subscriber is one registered handler. key identifies the handler func for Unsubscribe.
type subscriber struct {
	fn    reflect.Value
	async bool
	key   uintptr
}

// Hub dispatches typed events to subscribed handlers. Synchronous handlers run inline on the emitter's goroutine in
// registration order; asynchronous handlers are started after all synchronous handlers and awaited before Emit
// returns, so subscribers never observe events out of the order the emitting operation produced them.
type Hub struct {
	mu     sync.RWMutex
	events map[string]Event
	subs   map[string][]subscriber
	log    zerolog.Logger
}

// New creates a hub offering the events of the given lists.
func New(logger zerolog.Logger, lists ...List) *Hub {
	h := &Hub{
		events: make(map[string]Event),
		subs:   make(map[string][]subscriber),
		log:    logger.With().Str("component", "eventhub").Logger(),
	}
	for _, l := range lists {
		for _, e := range l.events {
			h.events[e.name] = e
		}
	}
	return h
}

// Subscribe registers a synchronous handler for the event. The handler must be a func whose parameters match the
// event's declared schema; it may optionally return a single error, which the hub logs and swallows.
func (h *Hub) Subscribe(event Event, handler any) error {
	return h.subscribe(event, handler, false)
}

// SubscribeAsync registers an asynchronous handler. It is dispatched on its own goroutine after all synchronous
// handlers of the same emit and awaited before the emit completes.
func (h *Hub) SubscribeAsync(event Event, handler any) error {
	return h.subscribe(event, handler, true)
}

func (h *Hub) subscribe(event Event, handler any, async bool) error {
	declared, ok := h.lookup(event)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event.name)
	}

	v := reflect.ValueOf(handler)
	if err := checkSignature(declared, v.Type()); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[event.name] = append(h.subs[event.name], subscriber{fn: v, async: async, key: v.Pointer()})
	return nil
}

// Unsubscribe removes a previously registered handler. Handlers are identified by func identity, so the same func
// value (not an equivalent closure) must be passed.
func (h *Hub) Unsubscribe(event Event, handler any) error {
	if _, ok := h.lookup(event); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event.name)
	}

	key := reflect.ValueOf(handler).Pointer()

	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[event.name]
	for i, s := range subs {
		if s.key == key {
			h.subs[event.name] = append(subs[:i:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownListener, event.name)
}

// Emit dispatches the event to all subscribed handlers. A handler that fails (error return or panic) does not prevent
// later handlers from running; the failure is logged and swallowed at the hub boundary.
func (h *Hub) Emit(event Event, args ...any) {
	declared, ok := h.lookup(event)
	if !ok {
		h.log.Error().Str("event", event.name).Msg("Emit of unknown event dropped")
		return
	}

	in, err := buildArgs(declared, args)
	if err != nil {
		h.log.Error().Err(err).Str("event", event.name).Msg("Emit with mismatched arguments dropped")
		return
	}

	h.mu.RLock()
	subs := make([]subscriber, len(h.subs[event.name]))
	copy(subs, h.subs[event.name])
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.async {
			h.invoke(event.name, s, in)
		}
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		if s.async {
			wg.Add(1)
			go func(s subscriber) {
				defer wg.Done()
				h.invoke(event.name, s, in)
			}(s)
		}
	}
	wg.Wait()
}

// invoke calls one handler, containing panics and logging error returns.
func (h *Hub) invoke(name string, s subscriber, in []reflect.Value) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("event", name).Interface("panic", r).Msg("Event handler panicked")
		}
	}()

	out := s.fn.Call(in)
	if len(out) == 1 {
		if err, _ := out[0].Interface().(error); err != nil {
			h.log.Error().Err(err).Str("event", name).Msg("Event handler failed")
		}
	}
}

// lookup returns the declared signature for the event, verifying it belongs to this hub.
func (h *Hub) lookup(event Event) (Event, bool) {
	declared, ok := h.events[event.name]
	return declared, ok
}

// checkSignature verifies that a handler func matches the declared parameter schema: same arity, identical parameter
// types, and at most a single error return. Parameter names are not part of Go's runtime type information, so the
// check is purely structural.
func checkSignature(declared Event, handler reflect.Type) error {
	if handler == nil || handler.Kind() != reflect.Func {
		return fmt.Errorf("%w: handler for %q is not a func", ErrHandlerSignatureMismatch, declared.name)
	}
	if handler.NumIn() != len(declared.params) {
		return fmt.Errorf("%w: %q takes %d parameters, handler takes %d",
			ErrHandlerSignatureMismatch, declared.name, len(declared.params), handler.NumIn())
	}
	for i, want := range declared.params {
		if handler.In(i) != want {
			return fmt.Errorf("%w: %q parameter %d is %s, handler declares %s",
				ErrHandlerSignatureMismatch, declared.name, i, want, handler.In(i))
		}
	}
	switch handler.NumOut() {
	case 0:
	case 1:
		if !handler.Out(0).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			return fmt.Errorf("%w: %q handler return must be error", ErrHandlerSignatureMismatch, declared.name)
		}
	default:
		return fmt.Errorf("%w: %q handler may return at most one error", ErrHandlerSignatureMismatch, declared.name)
	}
	return nil
}

// buildArgs converts emit arguments to reflect values, verifying them against the declared schema.
func buildArgs(declared Event, args []any) ([]reflect.Value, error) {
	if len(args) != len(declared.params) {
		return nil, fmt.Errorf("%q takes %d arguments, got %d", declared.name, len(declared.params), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		want := declared.params[i]
		if arg == nil {
			in[i] = reflect.Zero(want)
			continue
		}
		v := reflect.ValueOf(arg)
		if !v.Type().AssignableTo(want) {
			return nil, fmt.Errorf("%q argument %d is %s, want %s", declared.name, i, v.Type(), want)
		}
		in[i] = v
	}
	return in, nil
}
