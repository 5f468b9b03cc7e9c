package file

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

// streamMethodField is the feature negotiation field carrying stream methods.
const streamMethodField = "stream-method"

// noValidStreams is the stream initiation condition sent when no offered
// method is usable.
var noValidStreams = xml.Name{Space: stanza.NSSI, Local: "no-valid-streams"}

// ErrAlreadyDecided is returned when an offer is accepted or rejected twice.
var ErrAlreadyDecided = errors.New("offer already decided")

// ErrSessionConflict is returned when an offer reuses the session id of a
// transfer still in progress with the same peer.
var ErrSessionConflict = errors.New("session id already in use")

// Offer is an incoming stream initiation request awaiting a decision.
type Offer struct {
	ID      string
	From    jid.JID
	Meta    Metadata
	Methods []Method

	request *stanza.IQ

	decided bool
	mu      sync.Mutex
	cancel  func() bool
}

// claim marks the offer decided. Only the first caller succeeds.
func (o *Offer) claim() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decided {
		return false
	}
	o.decided = true
	if o.cancel != nil {
		o.cancel()
	}
	return true
}

// Supports reports whether the offer lists m.
func (o *Offer) Supports(m Method) bool {
	for _, have := range o.Methods {
		if have == m {
			return true
		}
	}
	return false
}

// IsFileOffer reports whether iq is a file transfer stream initiation request.
func IsFileOffer(iq *stanza.IQ) bool {
	return iq != nil && iq.Type == stanza.TypeSet && iq.SI != nil && iq.SI.Profile == stanza.NSSIFile
}

// ExtractStreamMethods returns the stream methods listed in an offer or
// selected in an answer, in order.
func ExtractStreamMethods(iq *stanza.IQ) []Method {
	if iq == nil || iq.SI == nil || iq.SI.Feature == nil {
		return nil
	}
	field := iq.SI.Feature.Form.Field(streamMethodField)
	if field == nil {
		return nil
	}

	var methods []Method
	for _, opt := range field.Options {
		if opt.Value != "" {
			methods = append(methods, Method(opt.Value))
		}
	}
	for _, v := range field.Values {
		if v != "" {
			methods = append(methods, Method(v))
		}
	}
	return methods
}

// buildOffer encodes a stream initiation request.
func buildOffer(sid string, to jid.JID, meta Metadata, methods []Method) *stanza.IQ {
	file := &stanza.SIFile{
		Name: meta.Name,
		Size: meta.Size,
		Hash: meta.Hash,
		Desc: meta.Description,
	}
	if !meta.Date.IsZero() {
		file.Date = meta.Date.UTC().Format(time.RFC3339)
	}
	if meta.Ranged {
		file.Range = &stanza.SIRange{}
	}

	options := make([]stanza.FormOption, 0, len(methods))
	for _, m := range methods {
		options = append(options, stanza.FormOption{Value: string(m)})
	}

	return &stanza.IQ{
		Type: stanza.TypeSet,
		To:   to,
		SI: &stanza.SI{
			ID:       sid,
			MIMEType: meta.MIMEType,
			Profile:  stanza.NSSIFile,
			File:     file,
			Feature: &stanza.FeatureNeg{Form: stanza.DataForm{
				Type:   "form",
				Fields: []stanza.FormField{{Var: streamMethodField, Type: "list-single", Options: options}},
			}},
		},
	}
}

// buildAnswer encodes the acceptance of req with method.
func buildAnswer(req *stanza.IQ, method Method) *stanza.IQ {
	reply := req.Reply()
	reply.SI = &stanza.SI{
		Feature: &stanza.FeatureNeg{Form: stanza.DataForm{
			Type:   "submit",
			Fields: []stanza.FormField{{Var: streamMethodField, Values: []string{string(method)}}},
		}},
	}
	return reply
}

// parseOffer decodes a stream initiation request.
func parseOffer(iq *stanza.IQ) (*Offer, error) {
	if !IsFileOffer(iq) {
		return nil, errors.New("not a file transfer offer")
	}
	if iq.SI.ID == "" {
		return nil, errors.New("offer without session id")
	}
	if iq.SI.File == nil {
		return nil, errors.New("offer without file description")
	}
	if iq.SI.File.Size < 0 {
		return nil, fmt.Errorf("invalid file size %d", iq.SI.File.Size)
	}
	name, err := ValidateName(iq.SI.File.Name)
	if err != nil {
		return nil, err
	}

	meta := Metadata{
		Name:        name,
		Size:        iq.SI.File.Size,
		Description: iq.SI.File.Desc,
		MIMEType:    iq.SI.MIMEType,
		Hash:        iq.SI.File.Hash,
		Ranged:      iq.SI.File.Range != nil,
	}
	if iq.SI.File.Date != "" {
		if d, err := time.Parse(time.RFC3339, iq.SI.File.Date); err == nil {
			meta.Date = d
		}
	}

	return &Offer{
		ID:      iq.SI.ID,
		From:    iq.From,
		Meta:    meta,
		Methods: ExtractStreamMethods(iq),
		request: iq,
	}, nil
}

// computeMD5 hashes r from its start and rewinds it.
func computeMD5(r io.ReadSeeker) (string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
