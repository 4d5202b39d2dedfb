package push

import (
	"context"
	"errors"
	"strings"
)

// IsExpoToken reports whether a destination is an Expo push token.
func IsExpoToken(token string) bool {
	return (strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")) &&
		strings.HasSuffix(token, "]")
}

// Router splits a batch between the Expo gateway and an optional native
// gateway by token format and returns tickets in the original order.
type Router struct {
	expo   Gateway
	native Gateway // nil when native tokens are not supported
}

// NewRouter creates a router. native may be nil.
func NewRouter(expo, native Gateway) *Router {
	return &Router{expo: expo, native: native}
}

// SendBatch implements Gateway.
func (r *Router) SendBatch(ctx context.Context, msgs []Message) ([]Ticket, error) {
	tickets := make([]Ticket, len(msgs))

	var expoIdx, nativeIdx []int
	var expoMsgs, nativeMsgs []Message
	for i, m := range msgs {
		switch {
		case IsExpoToken(m.To):
			expoIdx = append(expoIdx, i)
			expoMsgs = append(expoMsgs, m)
		case r.native != nil:
			nativeIdx = append(nativeIdx, i)
			nativeMsgs = append(nativeMsgs, m)
		default:
			tickets[i] = Ticket{
				Status:  StatusError,
				Message: "unsupported push token",
				Details: map[string]any{"error": "InvalidCredentials"},
			}
		}
	}

	expoErr := r.dispatch(ctx, r.expo, expoMsgs, expoIdx, tickets)
	nativeErr := r.dispatch(ctx, r.native, nativeMsgs, nativeIdx, tickets)

	// A leg failure only fails that leg's messages; the whole batch fails
	// when nothing was accepted.
	switch {
	case expoErr != nil && (nativeErr != nil || len(nativeMsgs) == 0):
		return nil, errors.Join(expoErr, nativeErr)
	case nativeErr != nil && len(expoMsgs) == 0:
		return nil, nativeErr
	}
	return tickets, nil
}

// dispatch sends one leg and writes its tickets at idx. On a transport error
// every message of the leg gets an error ticket.
func (r *Router) dispatch(ctx context.Context, g Gateway, msgs []Message, idx []int, out []Ticket) error {
	if len(msgs) == 0 {
		return nil
	}
	got, err := g.SendBatch(ctx, msgs)
	if err != nil {
		for _, i := range idx {
			out[i] = Ticket{Status: StatusError, Message: err.Error()}
		}
		return err
	}
	for j, i := range idx {
		if j < len(got) {
			out[i] = got[j]
		} else {
			out[i] = Ticket{Status: StatusError, Message: "missing ticket"}
		}
	}
	return nil
}
