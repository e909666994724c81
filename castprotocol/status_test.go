package castprotocol

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestClassifyError(t *testing.T) {
	tt := []struct {
		name string
		err  error
		want StatusCode
	}{
		{"nil", nil, StatusSuccess},
		{"deadline", context.DeadlineExceeded, StatusTimeout},
		{"wrapped deadline", pkgerrors.Wrap(context.DeadlineExceeded, "launch"), StatusTimeout},
		{"canceled", context.Canceled, StatusCanceled},
		{"net timeout", &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}, StatusTimeout},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, StatusNetworkError},
		{"eof", pkgerrors.Wrap(io.EOF, "read"), StatusNetworkError},
		{"other", errors.New("receiver said no"), StatusFailed},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Fatalf("%s: got: %s, want: %s", tc.name, got, tc.want)
			}
		})
	}
}

func TestStatusCodeString(t *testing.T) {
	if got := StatusNetworkError.String(); got != "NETWORK_ERROR" {
		t.Fatalf("got %q", got)
	}
	if got := StatusCode(4242).String(); got != "STATUS_4242" {
		t.Fatalf("got %q", got)
	}
}
