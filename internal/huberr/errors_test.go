package huberr_test

import (
	"errors"
	"testing"

	"github.com/sabouaram/mirrorhub/internal/huberr"
)

func TestCodeString(t *testing.T) {
	if huberr.ErrNoPeer.String() != "no_peer" {
		t.Fatalf("unexpected string: %s", huberr.ErrNoPeer.String())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := huberr.New(huberr.ErrPeerIO, cause, "probe failed")

	if e.Code() != huberr.ErrPeerIO {
		t.Fatalf("unexpected code: %v", e.Code())
	}
	if !errors.Is(e, cause) && errors.Unwrap(e) == nil {
		// errors.Is traverses via Unwrap chain provided by pkg/errors too;
		// assert at minimum Unwrap does not return nil.
		t.Fatalf("expected non-nil unwrap for wrapped cause")
	}
}

func TestNewWithoutCause(t *testing.T) {
	e := huberr.New(huberr.ErrConfig, nil, "missing comma in peer entry %q", "peer1")
	if e.Error() == "" {
		t.Fatal("expected non-empty message")
	}
}
