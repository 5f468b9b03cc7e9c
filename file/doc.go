// Package file implements XMPP file transfer: stream initiation with the
// file transfer profile, followed by a SOCKS5 bytestream or an in-band
// bytestream carrying the file.
//
// # Overview
//
// The file package provides two primary components:
//
//   - Transfer: the state, progress and outcome of one file moving to or
//     from a single peer
//   - Manager: answers and sends offers over one XMPP stream and drives each
//     accepted transfer on its own goroutine
//
// # Sending
//
// SendOffer describes the file to the peer and lists the stream methods the
// sender is willing to use, bytestreams first:
//
//	mgr := file.NewManager(stream, file.Options{Registry: registry})
//	f, _ := os.Open("report.pdf")
//	info, _ := f.Stat()
//	t, err := mgr.SendOffer(ctx, peer, file.Metadata{
//	    Name: info.Name(),
//	    Size: info.Size(),
//	}, f)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	<-t.Done()
//
// The MD5 hash is computed from the source when the metadata carries none.
// The source must be seekable so that a bytestream failure can be retried
// in band from the start.
//
// # Receiving
//
// Offers are surfaced to the function passed to OnOffer, which accepts or
// rejects each one:
//
//	mgr.OnOffer(func(o *file.Offer) {
//	    if o.Meta.Size > limit {
//	        mgr.Reject(o)
//	        return
//	    }
//	    t, err := mgr.Accept(o, "")
//	    ...
//	})
//
// An offer left undecided for Config.DecisionTimeout is rejected. Received
// content is buffered, checked against the offered hash and returned by
// Transfer.Data once the transfer completes.
//
// # Fallback
//
// When the bytestream cannot be established because the peer lacks support
// or no streamhost is reachable, and the offer listed in-band bytestreams,
// the sender opens an in-band stream under the same session id. Snapshot
// reports FellBack for such transfers. A receiver still trying streamhosts
// when the in-band stream opens abandons them and receives in band.
// Failures after data has flowed are not retried.
//
// A transfer is dropped from the manager once its final event has been
// delivered; an offer reusing the session id of a transfer in progress
// with the same peer is refused with a conflict error.
//
// # Transfer States
//
//	StatePending     // offer sent or received, no decision yet
//	StateNegotiating // accepted, transport being set up
//	StateRunning     // data flowing
//	StateCompleted
//	StateDeclined
//	StateCancelled
//	StateError
//
// # Events
//
// Observer callbacks run on the transfer's goroutine. Done is closed before
// the final OnComplete or OnFailure call is made.
//
// # Error Handling
//
// Failures are *xferr.Error values; use errors.Is with the xferr sentinels
// to classify them:
//
//	if errors.Is(t.Err(), xferr.ErrDeclined) {
//	    // peer said no
//	}
package file
