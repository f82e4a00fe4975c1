package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "flood", err: errors.New("telegram: retry after 7 (429)"), want: ClassTransient},
		{name: "kicked", err: errors.New("telegram: Forbidden: bot was kicked from the channel chat (403)"), want: ClassPermission},
		{name: "rights", err: errors.New("telegram: Bad Request: not enough rights to send text messages to the chat (400)"), want: ClassPermission},
		{name: "not modified", err: errors.New("telegram: Bad Request: message is not modified: specified new message content and reply markup are exactly the same (400)"), want: ClassNotModified},
		{name: "no text", err: errors.New("telegram: Bad Request: there is no text in the message to edit (400)"), want: ClassEditRejected},
		{name: "gone", err: errors.New("telegram: Bad Request: message to delete not found (400)"), want: ClassNotFound},
		{name: "timeout", err: fmt.Errorf("send: %w", context.DeadlineExceeded), want: ClassTransient},
		{name: "wrapped sentinel", err: fmt.Errorf("copy: %w", ErrEditRejected), want: ClassEditRejected},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	if !Retryable(errors.New("connection reset by peer")) {
		t.Fatal("expected unknown error to be retryable")
	}
	if Retryable(errors.New("Forbidden: bot is not a member of the channel chat")) {
		t.Fatal("expected permission error to be final")
	}
}
