package session

import (
	"context"

	"github.com/qmuntal/stateless"
)

// State is the conversation phase.
type State string

const (
	StateIdle       State = "Idle"
	StateConnecting State = "Connecting"
	StateListening  State = "Listening"
	StateProcessing State = "Processing"
	StateResponding State = "Responding"
	StateWaiting    State = "Waiting"
	StateEmergency  State = "Emergency"
	StateError      State = "Error"
	StateEnded      State = "Ended"
)

// acceptsAudio reports whether microphone audio may be transmitted.
func (s State) acceptsAudio() bool {
	return s == StateListening || s == StateWaiting || s == StateEmergency
}

// active reports whether a session exists and has not ended.
func (s State) active() bool {
	return s != StateIdle && s != StateEnded
}

// Trigger drives the state machine.
type Trigger string

const (
	TriggerStart              Trigger = "start"
	TriggerConnected          Trigger = "connection-open"
	TriggerConnectFailed      Trigger = "connect-failed"
	TriggerSpeechStart        Trigger = "speech-start"
	TriggerFinalTranscript    Trigger = "final-transcript"
	TriggerNoise              Trigger = "noise"
	TriggerResponseStart      Trigger = "ai-response-start"
	TriggerResponseEnd        Trigger = "ai-response-end"
	TriggerEmergency          Trigger = "emergency-detected"
	TriggerAcknowledged       Trigger = "acknowledged"
	TriggerTransportError     Trigger = "transport-error"
	TriggerReconnected        Trigger = "reconnect-success"
	TriggerReconnectExhausted Trigger = "reconnect-exhausted"
	TriggerEnd                Trigger = "end"
)

// hooks are the engine callbacks wired into state entry and exit.
type hooks struct {
	transitioned  func(from, to State, trigger Trigger)
	unhandled     func(state State, trigger Trigger)
	enterProcess  func()
	exitProcess   func()
	enterRespond  func()
	speechStarted func()
}

// newMachine builds the conversation state machine. It is driven only from
// the engine actor goroutine.
func newMachine(h hooks) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		from, to := t.Source.(State), t.Destination.(State)
		if from != to {
			h.transitioned(from, to, t.Trigger.(Trigger))
		}
	})
	fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		h.unhandled(state.(State), trigger.(Trigger))
		return nil
	})

	fsm.Configure(StateIdle).
		Permit(TriggerStart, StateConnecting).
		Permit(TriggerEnd, StateEnded)

	fsm.Configure(StateConnecting).
		Permit(TriggerConnected, StateListening).
		Permit(TriggerConnectFailed, StateEnded).
		Permit(TriggerEmergency, StateEmergency).
		Permit(TriggerEnd, StateEnded)

	fsm.Configure(StateListening).
		InternalTransition(TriggerSpeechStart, func(_ context.Context, _ ...any) error {
			h.speechStarted()
			return nil
		}).
		Permit(TriggerFinalTranscript, StateProcessing).
		Permit(TriggerNoise, StateWaiting).
		Permit(TriggerResponseStart, StateResponding).
		Permit(TriggerEmergency, StateEmergency).
		Permit(TriggerTransportError, StateError).
		Permit(TriggerEnd, StateEnded)

	fsm.Configure(StateProcessing).
		OnEntry(func(_ context.Context, _ ...any) error {
			h.enterProcess()
			return nil
		}).
		OnExit(func(_ context.Context, _ ...any) error {
			h.exitProcess()
			return nil
		}).
		Permit(TriggerResponseStart, StateResponding).
		Permit(TriggerEmergency, StateEmergency).
		Permit(TriggerTransportError, StateError).
		Permit(TriggerEnd, StateEnded)

	fsm.Configure(StateResponding).
		OnEntry(func(_ context.Context, _ ...any) error {
			h.enterRespond()
			return nil
		}).
		Permit(TriggerResponseEnd, StateWaiting).
		Permit(TriggerEmergency, StateEmergency).
		Permit(TriggerTransportError, StateError).
		Permit(TriggerEnd, StateEnded)

	fsm.Configure(StateWaiting).
		Permit(TriggerSpeechStart, StateListening).
		Permit(TriggerFinalTranscript, StateProcessing).
		Permit(TriggerResponseStart, StateResponding).
		Permit(TriggerEmergency, StateEmergency).
		Permit(TriggerTransportError, StateError).
		Permit(TriggerEnd, StateEnded)

	// Emergency is sticky: only an acknowledgement or the end leaves it.
	fsm.Configure(StateEmergency).
		Ignore(TriggerEmergency).
		Ignore(TriggerTransportError).
		Ignore(TriggerReconnected).
		Permit(TriggerAcknowledged, StateWaiting).
		Permit(TriggerReconnectExhausted, StateEnded).
		Permit(TriggerEnd, StateEnded)

	fsm.Configure(StateError).
		Ignore(TriggerTransportError).
		Permit(TriggerReconnected, StateWaiting).
		Permit(TriggerReconnectExhausted, StateEnded).
		Permit(TriggerEmergency, StateEmergency).
		Permit(TriggerEnd, StateEnded)

	fsm.Configure(StateEnded).
		Ignore(TriggerEnd).
		Ignore(TriggerReconnectExhausted)

	return fsm
}
