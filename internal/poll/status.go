package poll

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-viper/mapstructure/v2"
)

// Status is the progress of a polled resource.
type Status int

const (
	NotStarted Status = iota
	Pending
	Finished
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Pending:
		return "pending"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the status reported by one response. Next is the follow-up
// address of a pending resource; it may be relative to the polled URL.
type State struct {
	Status Status
	Next   *url.URL
}

var (
	// ErrUnknownStatus is reported for a state field other than "pending" or "finished".
	ErrUnknownStatus = errors.New("unknown poll status")

	// ErrMissingPollAddress is reported for a pending response without a follow-up address.
	ErrMissingPollAddress = errors.New("pending response without poll address")

	// ErrTooManyRounds is reported when polling exceeds its round limit.
	ErrTooManyRounds = errors.New("too many poll rounds")
)

// Parser converts a decoded response into a model and its poll state.
type Parser[T any] func(payload map[string]any) (T, State, error)

// Envelope holds the fields every pollable response carries.
type Envelope struct {
	ID     int    `json:"id"`
	State  string `json:"state"`
	PollTo string `json:"poll_to"`
}

// ParseState maps the envelope onto a State.
func (e Envelope) ParseState() (State, error) {
	switch e.State {
	case "finished":
		return State{Status: Finished}, nil
	case "pending":
		if e.PollTo == "" {
			return State{}, ErrMissingPollAddress
		}
		next, err := url.Parse(e.PollTo)
		if err != nil {
			return State{}, fmt.Errorf("parsing poll address %q: %w", e.PollTo, err)
		}
		return State{Status: Pending, Next: next}, nil
	default:
		return State{}, fmt.Errorf("%w %q", ErrUnknownStatus, e.State)
	}
}

// DecodeStatus is the default Parser. It decodes the payload into T using the
// json field tags and reads the state and poll_to fields.
func DecodeStatus[T any](payload map[string]any) (T, State, error) {
	var model T
	if err := decode(payload, &model); err != nil {
		return model, State{}, fmt.Errorf("decoding model: %w", err)
	}

	var env Envelope
	if err := decode(payload, &env); err != nil {
		return model, State{}, fmt.Errorf("decoding poll state: %w", err)
	}
	state, err := env.ParseState()
	if err != nil {
		return model, State{}, err
	}
	return model, state, nil
}

func decode(payload map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(payload)
}
