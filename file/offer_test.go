package file

import (
	"bytes"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

// roundTrip encodes and decodes iq the way a stream would.
func roundTrip(t *testing.T, iq *stanza.IQ) *stanza.IQ {
	t.Helper()
	raw, err := xml.Marshal(iq)
	require.NoError(t, err)
	var out stanza.IQ
	require.NoError(t, xml.Unmarshal(raw, &out))
	return &out
}

func TestOfferEncoding(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	meta := Metadata{
		Name:        "thesis.pdf",
		Size:        123456,
		Description: "final draft",
		MIMEType:    "application/pdf",
		Hash:        "552da749930852c69ae5d2141d3766b1",
		Date:        date,
		Ranged:      true,
	}

	req := buildOffer("sid-9", jid.MustParse(testBob), meta, DefaultMethods)
	req.From = jid.MustParse(testAlice)
	req.ID = "iq-1"
	got := roundTrip(t, req)

	require.True(t, IsFileOffer(got))
	offer, err := parseOffer(got)
	require.NoError(t, err)
	assert.Equal(t, "sid-9", offer.ID)
	assert.Equal(t, testAlice, offer.From.String())
	assert.Equal(t, DefaultMethods, offer.Methods)
	assert.True(t, offer.Supports(MethodIBB))
	assert.True(t, offer.Meta.Date.Equal(date))
	offer.Meta.Date = date
	assert.Equal(t, meta, offer.Meta)
}

func TestAnswerSelectsOneMethod(t *testing.T) {
	req := buildOffer("sid-2", jid.MustParse(testBob), Metadata{Name: "a", Size: 1}, DefaultMethods)
	req.From = jid.MustParse(testAlice)
	req.ID = "iq-2"

	answer := roundTrip(t, buildAnswer(req, MethodIBB))
	assert.Equal(t, stanza.TypeResult, answer.Type)
	assert.Equal(t, "iq-2", answer.ID)
	assert.Equal(t, []Method{MethodIBB}, ExtractStreamMethods(answer))
	assert.False(t, IsFileOffer(answer))
}

func TestParseOfferRejectsMalformed(t *testing.T) {
	valid := func() *stanza.IQ {
		iq := buildOffer("sid", jid.MustParse(testBob), Metadata{Name: "a.txt", Size: 5}, DefaultMethods)
		iq.From = jid.MustParse(testAlice)
		return iq
	}

	tests := []struct {
		name   string
		mutate func(iq *stanza.IQ)
	}{
		{"missing sid", func(iq *stanza.IQ) { iq.SI.ID = "" }},
		{"missing file", func(iq *stanza.IQ) { iq.SI.File = nil }},
		{"negative size", func(iq *stanza.IQ) { iq.SI.File.Size = -5 }},
		{"path name", func(iq *stanza.IQ) { iq.SI.File.Name = "dir/a.txt" }},
		{"other profile", func(iq *stanza.IQ) { iq.SI.Profile = "urn:example:profile" }},
		{"get request", func(iq *stanza.IQ) { iq.Type = stanza.TypeGet }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iq := valid()
			tt.mutate(iq)
			_, err := parseOffer(iq)
			assert.Error(t, err)
		})
	}

	_, err := parseOffer(valid())
	assert.NoError(t, err)
}

func TestUnparseableDateIsIgnored(t *testing.T) {
	iq := buildOffer("sid", jid.MustParse(testBob), Metadata{Name: "a.txt", Size: 5}, DefaultMethods)
	iq.SI.File.Date = "yesterday"
	offer, err := parseOffer(iq)
	require.NoError(t, err)
	assert.True(t, offer.Meta.Date.IsZero())
}

func TestOfferClaim(t *testing.T) {
	stopped := 0
	o := &Offer{cancel: func() bool { stopped++; return true }}
	assert.True(t, o.claim())
	assert.False(t, o.claim())
	assert.Equal(t, 1, stopped)
}

func TestComputeMD5Rewinds(t *testing.T) {
	r := bytes.NewReader([]byte("hello"))
	_, err := r.Seek(3, 0)
	require.NoError(t, err)

	sum, err := computeMD5(r)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
	assert.Equal(t, md5Hex([]byte("hello")), sum)

	pos, err := r.Seek(0, 1)
	require.NoError(t, err)
	assert.Zero(t, pos)

	_, err = computeMD5(failingSeeker{})
	assert.Error(t, err)
}
