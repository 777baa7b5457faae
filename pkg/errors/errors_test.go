// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"testing"
)

func TestEngineError(t *testing.T) {
	tests := []struct {
		name string
		op   string
		peer string
		err  error
		want string
	}{
		{
			name: "with peer",
			op:   "push",
			peer: "10.0.0.1:5683",
			err:  ErrTransport,
			want: "push [10.0.0.1:5683]: transport failure",
		},
		{
			name: "without peer",
			op:   "parse",
			err:  ErrMalformed,
			want: "parse: malformed message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.op, tt.peer, tt.err)
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.err)
			}
			var ee *EngineError
			if !As(err, &ee) || ee.Op != tt.op {
				t.Errorf("As() did not recover EngineError with op %q", tt.op)
			}
		})
	}
}

func TestNilWrapping(t *testing.T) {
	if New("op", "peer", nil) != nil {
		t.Error("New with nil error should return nil")
	}
	if Wrap(nil, "context") != nil {
		t.Error("Wrap with nil error should return nil")
	}
	if err := Wrap(ErrTimeout, "ack"); !Is(err, ErrTimeout) {
		t.Errorf("Wrap lost the cause: %v", err)
	}
}
