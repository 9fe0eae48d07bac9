package main

import (
	"errors"
	"testing"
)

func TestFormatCobraError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "mutually exclusive flags",
			err:  errors.New("if any flags in the group [fail status] are set none of the others can be; [fail status] were all set"),
			want: "--fail and --status cannot be used together",
		},
		{
			name: "other errors pass through",
			err:  errors.New(`unknown flag: --bogus`),
			want: "unknown flag: --bogus",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatCobraError(tt.err); got != tt.want {
				t.Errorf("formatCobraError() = %q, want %q", got, tt.want)
			}
		})
	}
}
