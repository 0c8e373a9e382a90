package gitproto

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hashA = plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hashB = plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	hashC = plumbing.NewHash("cccccccccccccccccccccccccccccccccccccccc")
)

// pkt frames s as a single pkt-line.
func pkt(s string) string {
	return fmt.Sprintf("%04x%s", len(s)+4, s)
}

func withAgent(t *testing.T, agent string) {
	t.Helper()
	orig := Agent
	Agent = agent
	t.Cleanup(func() { Agent = orig })
}

func TestNegotiate_WhitelistOrder(t *testing.T) {
	withAgent(t, "fush/test")

	tests := []struct {
		name       string
		advertised string
		want       string
	}{
		{
			name:       "all supported, reversed order",
			advertised: "agent=git/2.43.0 ofs-delta side-band-64k no-done multi_ack_detailed thin-pack",
			want:       "multi_ack_detailed no-done side-band-64k ofs-delta agent=fush/test",
		},
		{
			name:       "subset",
			advertised: "ofs-delta shallow side-band multi_ack thin-pack",
			want:       "ofs-delta",
		},
		{
			name:       "nothing in common",
			advertised: "thin-pack include-tag",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Negotiate(ParseCapabilityList(tt.advertised), FetchCapabilities())
			assert.Equal(t, tt.want, got.String())
			assert.False(t, got.Has(ThinPack), "thin-pack must never be requested")
			for _, c := range got {
				assert.True(t, FetchCapabilities().Has(c), "%s not in whitelist", c)
			}
		})
	}
}

func TestNegotiate_Push(t *testing.T) {
	withAgent(t, "fush/test")

	adv := ParseCapabilityList("report-status report-status-v2 delete-refs side-band-64k quiet atomic ofs-delta push-options object-format=sha1 agent=git/github-1a2b")
	got := Negotiate(adv, PushCapabilities())

	assert.Equal(t, "report-status side-band-64k ofs-delta delete-refs agent=fush/test", got.String())
}

func TestRestrict(t *testing.T) {
	got, err := Restrict(FetchCapabilities(), []string{"ofs-delta", "multi_ack_detailed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"multi_ack_detailed", "ofs-delta"}, got.Names())

	got, err = Restrict(FetchCapabilities(), nil)
	require.NoError(t, err)
	assert.Equal(t, FetchCapabilities(), got)

	_, err = Restrict(FetchCapabilities(), []string{"thin-pack"})
	assert.Error(t, err)
}

func TestCapabilityList_Without(t *testing.T) {
	l := ParseCapabilityList("side-band-64k ofs-delta agent=fush/test")
	assert.Equal(t, "side-band-64k agent=fush/test", l.Without(OFSDelta).String())
	assert.Equal(t, "side-band-64k ofs-delta", l.Without(AgentName).String())
	assert.Equal(t, l, l.Without(ThinPack))
	assert.Equal(t, "side-band-64k ofs-delta agent=fush/test", l.String())
}

func TestCapability_NameValue(t *testing.T) {
	c := Capability("symref=HEAD:refs/heads/main")
	assert.Equal(t, "symref", c.Name())
	assert.Equal(t, "HEAD:refs/heads/main", c.Value())
	assert.Equal(t, "ofs-delta", OFSDelta.Name())
	assert.Empty(t, OFSDelta.Value())
}

func TestEncodeFetchRequest(t *testing.T) {
	req := FetchRequest{
		Wants:        []plumbing.Hash{hashA, hashB},
		Haves:        []plumbing.Hash{hashC},
		Capabilities: CapabilityList{MultiACKDetailed, SideBand64k, "agent=fush/test"},
	}

	got, err := FetchRequestBytes(req)
	require.NoError(t, err)

	want := pkt("want "+hashA.String()+" multi_ack_detailed side-band-64k agent=fush/test\n") +
		pkt("want "+hashB.String()+"\n") +
		"0000" +
		pkt("have "+hashC.String()+"\n") +
		pkt("done\n")
	assert.Equal(t, want, string(got))
}

func TestEncodeFetchRequest_NoHaves(t *testing.T) {
	got, err := FetchRequestBytes(FetchRequest{Wants: []plumbing.Hash{hashA}})
	require.NoError(t, err)

	want := pkt("want "+hashA.String()+"\n") + "0000" + pkt("done\n")
	assert.Equal(t, want, string(got))
}

func TestEncodeFetchRequest_NoWants(t *testing.T) {
	_, err := FetchRequestBytes(FetchRequest{Haves: []plumbing.Hash{hashA}})
	assert.ErrorIs(t, err, ErrNoWants)
}

func TestEncodePushRequest(t *testing.T) {
	req := PushRequest{
		Commands: []RefUpdateCommand{
			{Old: plumbing.ZeroHash, New: hashA, Name: "refs/heads/main"},
			{Old: hashB, New: hashC, Name: "refs/tags/v1"},
		},
		Capabilities: CapabilityList{ReportStatus, "agent=fush/test"},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodePushRequest(&buf, req))

	want := pkt(plumbing.ZeroHash.String()+" "+hashA.String()+" refs/heads/main\x00report-status agent=fush/test") +
		pkt(hashB.String()+" "+hashC.String()+" refs/tags/v1") +
		"0000"
	assert.Equal(t, want, buf.String())
}

func TestPushBody_AppendsPackVerbatim(t *testing.T) {
	pack := []byte("PACK\x00\x00\x00\x02\x00\x00\x00\x00checksumchecksum1234")
	req := PushRequest{
		Commands:     []RefUpdateCommand{{Old: plumbing.ZeroHash, New: hashA, Name: "refs/heads/main"}},
		Capabilities: CapabilityList{ReportStatus},
	}

	body, err := PushBody(req, bytes.NewReader(pack))
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)

	assert.True(t, bytes.HasSuffix(got, pack))
	assert.True(t, bytes.Contains(got, []byte("0000PACK")), "pack must follow the flush unframed")
}

func TestPushBody_DeleteOnly(t *testing.T) {
	req := PushRequest{
		Commands:     []RefUpdateCommand{{Old: hashA, New: plumbing.ZeroHash, Name: "refs/heads/gone"}},
		Capabilities: CapabilityList{ReportStatus, DeleteRefs},
	}
	assert.False(t, req.NeedsPack())

	body, err := PushBody(req, nil)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(got), "0000"))
}

func TestPushBody_MissingPack(t *testing.T) {
	req := PushRequest{Commands: []RefUpdateCommand{{New: hashA, Name: "refs/heads/main"}}}
	_, err := PushBody(req, nil)
	assert.Error(t, err)

	_, err = PushBody(PushRequest{}, nil)
	assert.ErrorIs(t, err, ErrNoCommands)
}

func TestParseReportStatus(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		requested []string
		wantOK    bool
		wantRefs  map[string]string
		wantErr   bool
	}{
		{
			name:      "all ok",
			input:     pkt("unpack ok\n") + pkt("ok refs/heads/main\n") + "0000",
			requested: []string{"refs/heads/main"},
			wantOK:    true,
			wantRefs:  map[string]string{"refs/heads/main": "ok"},
		},
		{
			name:      "non-fast-forward",
			input:     pkt("unpack ok\n") + pkt("ng refs/heads/main non-fast-forward\n") + "0000",
			requested: []string{"refs/heads/main"},
			wantOK:    false,
			wantRefs:  map[string]string{"refs/heads/main": "non-fast-forward"},
		},
		{
			name:      "unpack failure",
			input:     pkt("unpack index-pack abnormal exit\n") + pkt("ng refs/heads/main unpacker error\n") + "0000",
			requested: []string{"refs/heads/main"},
			wantOK:    false,
			wantRefs:  map[string]string{"refs/heads/main": "unpacker error"},
		},
		{
			name:      "missing ref status",
			input:     pkt("unpack ok\n") + pkt("ok refs/heads/main\n") + "0000",
			requested: []string{"refs/heads/main", "refs/heads/dev"},
			wantOK:    false,
			wantRefs:  map[string]string{"refs/heads/main": "ok", "refs/heads/dev": "missing status"},
		},
		{
			name:    "no unpack line",
			input:   pkt("ok refs/heads/main\n") + "0000",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "0000",
			wantErr: true,
		},
		{
			name:    "truncated",
			input:   pkt("unpack ok\n"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseReportStatus(strings.NewReader(tt.input), tt.requested)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.OK)
			assert.Equal(t, tt.wantRefs, res.Refs)
		})
	}
}

func TestResult_Rejected(t *testing.T) {
	res := &Result{Refs: map[string]string{"refs/heads/a": "ok", "refs/heads/b": "stale info"}}
	assert.Equal(t, map[string]string{"refs/heads/b": "stale info"}, res.Rejected())
}
