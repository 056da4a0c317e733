package service

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	escRejected := NewError(KindBackend, OriginCreatePayment, &APIException{
		Status: StatusBadRequest,
		Causes: []Cause{{Code: "1"}, {Code: CauseInvalidPaymentWithESC}},
	}, nil)
	notFound := NewError(KindBackend, OriginGetIdentificationTypes, &APIException{Status: StatusNotFound}, nil)

	tests := []struct {
		name      string
		err       error
		cause     string
		wantCause bool
		notFound  bool
		kind      Kind
	}{
		{name: "cause present", err: escRejected, cause: CauseInvalidPaymentWithESC, wantCause: true, kind: KindBackend},
		{name: "cause absent", err: escRejected, cause: CauseInvalidPaymentIdentification, kind: KindBackend},
		{name: "wrapped error keeps cause", err: fmt.Errorf("paying: %w", escRejected), cause: CauseInvalidPaymentWithESC, wantCause: true, kind: KindBackend},
		{name: "status 404 is not found", err: notFound, notFound: true, kind: KindBackend},
		{name: "kind not found", err: NewError(KindNotFound, OriginGetInit, nil, nil), notFound: true, kind: KindNotFound},
		{name: "connectivity without exception", err: NewError(KindConnectivity, OriginGetInit, nil, errors.New("timeout")), cause: CauseInvalidESC, kind: KindConnectivity},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.cause != "" {
				if got := HasCause(tt.err, tt.cause); got != tt.wantCause {
					t.Errorf("HasCause(%s) = %v, want %v", tt.cause, got, tt.wantCause)
				}
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if !IsKind(tt.err, tt.kind) {
				t.Errorf("IsKind(%s) = false", tt.kind)
			}
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := NewError(KindConnectivity, OriginCreateToken, nil, cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap lost the transport error")
	}
	if got, want := err.Error(), "CREATE_TOKEN connectivity: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	var nilExc *APIException
	if nilExc.ContainsCause(CauseInvalidESC) {
		t.Error("nil exception reported a cause")
	}
}
