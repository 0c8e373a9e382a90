package gitproto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
)

// ErrNoWants is returned when a fetch request is built without any wants.
var ErrNoWants = errors.New("fetch request has no wants")

// FetchRequest is an upload-pack negotiation request.
type FetchRequest struct {
	Wants        []plumbing.Hash
	Haves        []plumbing.Hash
	Capabilities CapabilityList
}

// EncodeFetchRequest writes req to w in pkt-line framing:
//
//	want <oid> <caps>
//	want <oid>
//	0000
//	have <oid>
//	done
func EncodeFetchRequest(w io.Writer, req FetchRequest) error {
	if len(req.Wants) == 0 {
		return ErrNoWants
	}

	e := pktline.NewEncoder(w)
	for i, want := range req.Wants {
		var err error
		if i == 0 && len(req.Capabilities) > 0 {
			err = e.Encodef("want %s %s\n", want, req.Capabilities)
		} else {
			err = e.Encodef("want %s\n", want)
		}
		if err != nil {
			return fmt.Errorf("encode want %s: %w", want, err)
		}
	}
	if err := e.Flush(); err != nil {
		return fmt.Errorf("encode flush: %w", err)
	}

	for _, have := range req.Haves {
		if err := e.Encodef("have %s\n", have); err != nil {
			return fmt.Errorf("encode have %s: %w", have, err)
		}
	}

	if err := e.EncodeString("done\n"); err != nil {
		return fmt.Errorf("encode done: %w", err)
	}
	return nil
}

// FetchRequestBytes encodes req into a single buffered payload.
func FetchRequestBytes(req FetchRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeFetchRequest(&buf, req); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
