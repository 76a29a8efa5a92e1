package faults_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/atticlabs/go-loft/internal/faults"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := errors.New("disk full")
	err := faults.Wrap(faults.KindPermissionDenied, base, "stage changes")

	wrapped := fmt.Errorf("apply run: %w", err)

	if got := faults.KindOf(wrapped); got != faults.KindPermissionDenied {
		t.Fatalf("KindOf = %v, want %v", got, faults.KindPermissionDenied)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("wrapped chain lost the base error")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := faults.KindOf(errors.New("boom")); got != faults.KindInternal {
		t.Fatalf("KindOf(plain error) = %v, want %v", got, faults.KindInternal)
	}
	if got := faults.KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %v, want empty", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{faults.Validation("bad body"), http.StatusBadRequest},
		{faults.Conflict("run already active"), http.StatusConflict},
		{faults.PlannerUnavailable("no backend ready"), http.StatusServiceUnavailable},
		{faults.ExecutionTimeout("run exceeded ceiling"), http.StatusGatewayTimeout},
		{faults.PermissionDenied("project root not writable"), http.StatusForbidden},
		{faults.NotFound("run %s", "r1"), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := faults.HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := faults.Wrap(faults.KindInternal, errors.New("locked"), "open store")
	if want := "open store: locked"; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
