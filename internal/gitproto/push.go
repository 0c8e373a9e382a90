package gitproto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
)

// ErrNoCommands is returned when a push request is built without commands.
var ErrNoCommands = errors.New("push request has no commands")

// RefUpdateCommand moves Name from Old to New on the receiving side.
// Old is the zero hash for creations, New is the zero hash for deletions.
type RefUpdateCommand struct {
	Old  plumbing.Hash
	New  plumbing.Hash
	Name string
}

// IsDelete reports whether the command deletes the ref.
func (c RefUpdateCommand) IsDelete() bool {
	return c.New.IsZero()
}

func (c RefUpdateCommand) String() string {
	return fmt.Sprintf("%s %s %s", c.Old, c.New, c.Name)
}

// PushRequest is a receive-pack request without its pack payload.
type PushRequest struct {
	Commands     []RefUpdateCommand
	Capabilities CapabilityList
}

// NeedsPack reports whether the request must be followed by a pack.
// A request consisting only of deletions is sent without one.
func (r PushRequest) NeedsPack() bool {
	for _, c := range r.Commands {
		if !c.IsDelete() {
			return true
		}
	}
	return false
}

// EncodePushRequest writes the command section of req to w:
//
//	<old> <new> <ref>\x00<caps>
//	<old> <new> <ref>
//	0000
//
// The pack, if any, follows unframed and is not written here.
func EncodePushRequest(w io.Writer, req PushRequest) error {
	if len(req.Commands) == 0 {
		return ErrNoCommands
	}

	e := pktline.NewEncoder(w)
	for i, cmd := range req.Commands {
		var err error
		if i == 0 {
			err = e.Encodef("%s %s %s\x00%s", cmd.Old, cmd.New, cmd.Name, req.Capabilities)
		} else {
			err = e.Encodef("%s %s %s", cmd.Old, cmd.New, cmd.Name)
		}
		if err != nil {
			return fmt.Errorf("encode command for %s: %w", cmd.Name, err)
		}
	}
	if err := e.Flush(); err != nil {
		return fmt.Errorf("encode flush: %w", err)
	}
	return nil
}

// PushBody returns the full receive-pack request body: the framed commands
// followed by the verbatim pack bytes. pack is ignored for delete-only
// requests and may be nil in that case.
func PushBody(req PushRequest, pack io.Reader) (io.Reader, error) {
	var buf bytes.Buffer
	if err := EncodePushRequest(&buf, req); err != nil {
		return nil, err
	}
	if !req.NeedsPack() {
		return &buf, nil
	}
	if pack == nil {
		return nil, errors.New("push request needs a pack but none was given")
	}
	return io.MultiReader(&buf, pack), nil
}
