package transport

import (
	"errors"
	"net/textproto"
	"os"
	"testing"
)

func TestMkdirVerifyKeepsClassification(t *testing.T) {
	lost := wrapFTP("stat", "sub", &textproto.Error{Code: 421, Msg: "Timeout"})
	err := mkdirVerify("sub", FileRecord{}, lost)
	if !IsConnectionLost(err) {
		t.Fatalf("connection loss during mkdir verify surfaced as %v", err)
	}

	denied := wrapFTP("stat", "sub", &textproto.Error{Code: 530, Msg: "Not logged in"})
	if kind, _ := KindOf(mkdirVerify("sub", FileRecord{}, denied)); kind != KindPermissionDenied {
		t.Errorf("permission refusal during mkdir verify surfaced as %v", kind)
	}
}

func TestMkdirVerifyAbsentDirIsIOFailure(t *testing.T) {
	missing := &Error{Kind: KindNotFound, Op: "stat", Path: "sub", Err: os.ErrNotExist}
	err := mkdirVerify("sub", FileRecord{}, missing)
	kind, ok := KindOf(err)
	if !ok || kind != KindIOFailure {
		t.Fatalf("missing dir after mkdir = %v, want io_failure", err)
	}
}

func TestMkdirVerifyAcceptsDirectory(t *testing.T) {
	if err := mkdirVerify("sub", FileRecord{Path: "sub", IsDir: true}, nil); err != nil {
		t.Fatalf("mkdirVerify on existing dir = %v, want nil", err)
	}
	err := mkdirVerify("sub", FileRecord{Path: "sub", Size: 3}, nil)
	if kind, _ := KindOf(err); kind != KindIOFailure {
		t.Errorf("mkdirVerify on a file = %v, want io_failure", err)
	}
}

func TestDeleteRefusalWrapKeepsProtocolCode(t *testing.T) {
	// The refused-DELE fallback wraps the original protocol error, so a
	// permission refusal stays terminal instead of being retried.
	orig := &textproto.Error{Code: 532, Msg: "Need account for storing files"}
	err := wrapFTP("delete", "a.txt", orig)
	if kind, _ := KindOf(err); kind != KindPermissionDenied {
		t.Fatalf("refused delete classified as %v, want permission_denied", kind)
	}
	if !errors.Is(err, orig) {
		t.Error("original protocol error lost in the wrap")
	}
}
