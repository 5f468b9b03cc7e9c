package stanza

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
)

func TestStreamhostOfferWireFormat(t *testing.T) {
	iq := &IQ{
		ID:   "sid-1",
		Type: TypeSet,
		From: jid.MustParse("alice@example.com/home"),
		To:   jid.MustParse("bob@example.com/work"),
		Bytestream: &BytestreamQuery{
			SID:  "sid-1",
			Mode: "tcp",
			StreamHosts: []StreamHost{
				{JID: jid.MustParse("alice@example.com/home"), Host: "192.168.4.1", Port: 5086},
				{JID: jid.MustParse("proxy.example.com"), Host: "24.24.24.1", Port: 7777},
			},
		},
	}

	data, err := Marshal(iq)
	require.NoError(t, err)
	wire := string(data)

	assert.Contains(t, wire, `<query xmlns="http://jabber.org/protocol/bytestreams" sid="sid-1" mode="tcp">`)
	assert.Contains(t, wire, `<streamhost jid="proxy.example.com" host="24.24.24.1" port="7777">`)
	assert.Less(t, strings.Index(wire, "192.168.4.1"), strings.Index(wire, "24.24.24.1"), "candidate order must be preserved")

	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.Bytestream)
	require.Len(t, parsed.Bytestream.StreamHosts, 2)
	assert.Equal(t, "proxy.example.com", parsed.Bytestream.StreamHosts[1].JID.String())
	assert.Equal(t, "bob@example.com/work", parsed.To.String())
	assert.Nil(t, parsed.Disco, "bytestreams query must not decode as disco")
}

func TestStreamhostUsedAndActivate(t *testing.T) {
	raw := `<iq type="result" id="x" from="bob@example.com/work"><query xmlns="http://jabber.org/protocol/bytestreams" sid="s"><streamhost-used jid="proxy.example.com"/></query></iq>`
	iq, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, iq.Bytestream.StreamHostUsed)
	assert.Equal(t, "proxy.example.com", iq.Bytestream.StreamHostUsed.JID.String())

	activate := &IQ{Type: TypeSet, ID: "a", To: jid.MustParse("proxy.example.com"),
		Bytestream: &BytestreamQuery{SID: "s", Activate: "bob@example.com/work"}}
	data, err := Marshal(activate)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<activate>bob@example.com/work</activate>")
	assert.NotContains(t, string(data), `from=`, "zero from address must be omitted")
}

func TestIBBDataCarriesSequenceZero(t *testing.T) {
	iq := &IQ{Type: TypeSet, ID: "d", Data: &IBBData{Seq: 0, SID: "s", Payload: "aGVsbG8="}}
	data, err := Marshal(iq)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<data xmlns="http://jabber.org/protocol/ibb" seq="0" sid="s">aGVsbG8=</data>`)
}

func TestStanzaErrorRoundTrip(t *testing.T) {
	se := &StanzaError{
		Type:         ErrorTypeCancel,
		Code:         "400",
		Condition:    CondBadRequest,
		Text:         "no methods",
		AppCondition: xml.Name{Space: NSSI, Local: "no-valid-streams"},
	}
	iq := &IQ{Type: TypeError, ID: "e", Error: se}
	data, err := Marshal(iq)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<bad-request xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">`)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.Error)
	assert.Equal(t, CondBadRequest, parsed.Error.Condition)
	assert.Equal(t, "no methods", parsed.Error.Text)
	assert.Equal(t, "no-valid-streams", parsed.Error.AppCondition.Local)
	assert.Equal(t, "400", parsed.Error.Code)
}

func TestResourceConstraintCarriesBlockSize(t *testing.T) {
	iq := &IQ{Type: TypeError, ID: "o", Error: &StanzaError{
		Type: ErrorTypeModify, Condition: CondResourceConstraint, BlockSize: 8192,
	}}
	data, err := Marshal(iq)
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, CondResourceConstraint, parsed.Error.Condition)
	assert.Equal(t, 8192, parsed.Error.BlockSize)
	assert.Nil(t, parsed.Open, "hint inside <error/> must not decode as an open request")
}

func TestSIOfferParsing(t *testing.T) {
	raw := `<iq type="set" id="offer1" from="alice@example.com/home" to="bob@example.com/work">
  <si xmlns="http://jabber.org/protocol/si" id="a0" mime-type="text/plain" profile="http://jabber.org/protocol/si/profile/file-transfer">
    <file xmlns="http://jabber.org/protocol/si/profile/file-transfer" name="test.txt" size="1022" hash="552da749930852c69ae5d2141d3766b1">
      <desc>This is a test.</desc>
      <range/>
    </file>
    <feature xmlns="http://jabber.org/protocol/feature-neg">
      <x xmlns="jabber:x:data" type="form">
        <field var="stream-method" type="list-single">
          <option><value>http://jabber.org/protocol/bytestreams</value></option>
          <option><value>http://jabber.org/protocol/ibb</value></option>
        </field>
      </x>
    </feature>
  </si>
</iq>`
	iq, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, iq.SI)
	require.NotNil(t, iq.SI.File)
	assert.Equal(t, "a0", iq.SI.ID)
	assert.Equal(t, int64(1022), iq.SI.File.Size)
	assert.Equal(t, "This is a test.", iq.SI.File.Desc)
	assert.NotNil(t, iq.SI.File.Range)

	field := iq.SI.Feature.Form.Field("stream-method")
	require.NotNil(t, field)
	require.Len(t, field.Options, 2)
	assert.Equal(t, NSBytestreams, field.Options[0].Value)
	assert.Equal(t, NSIBB, field.Options[1].Value)
}

func TestReplyAddressing(t *testing.T) {
	req := &IQ{ID: "q", Type: TypeGet, From: jid.MustParse("a@x/1"), To: jid.MustParse("b@x/2")}
	reply := req.Reply()
	assert.Equal(t, TypeResult, reply.Type)
	assert.Equal(t, "q", reply.ID)
	assert.Equal(t, "b@x/2", reply.From.String())
	assert.Equal(t, "a@x/1", reply.To.String())

	assert.True(t, MatchReply(req)(&IQ{ID: "q", Type: TypeResult, From: jid.MustParse("b@x/2")}))
	assert.False(t, MatchReply(req)(&IQ{ID: "q", Type: TypeResult, From: jid.MustParse("c@x/2")}))
	assert.False(t, MatchReply(req)(&IQ{ID: "q", Type: TypeSet, From: jid.MustParse("b@x/2")}))
}
