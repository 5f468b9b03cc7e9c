package file

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"plain", "report.pdf", nil},
		{"spaces", "my holiday photo.jpg", nil},
		{"hidden", ".profile", nil},
		{"empty", "", ErrEmptyFileName},
		{"parent", "..", ErrDirectoryTraversal},
		{"current", ".", ErrDirectoryTraversal},
		{"relative path", "../secret", ErrDirectoryTraversal},
		{"absolute path", "/etc/passwd", ErrDirectoryTraversal},
		{"windows path", `C:\Windows\win.ini`, ErrDirectoryTraversal},
		{"too long", strings.Repeat("a", MaxFileNameLength+1), ErrFileNameTooLong},
		{"longest", strings.Repeat("a", MaxFileNameLength), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateName(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, got)
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StatePending, StateNegotiating, StateRunning} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateCompleted, StateDeclined, StateCancelled, StateError} {
		assert.True(t, s.Terminal(), s.String())
	}
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "bytestreams", MethodBytestreams.String())
	assert.Equal(t, "ibb", MethodIBB.String())
	assert.Equal(t, "urn:example:x", Method("urn:example:x").String())
	assert.False(t, supported("urn:example:x"))
}

func newTestTransfer(clk clock.Clock, size int64) *Transfer {
	return newTransfer("sid-1", jid.MustParse(testBob), DirectionOutgoing, Metadata{Name: "f.bin", Size: size}, clk)
}

func TestTransferProgressAndSpeed(t *testing.T) {
	clk := clock.NewMock()
	tr := newTestTransfer(clk, 4000)
	require.True(t, tr.setState(StateRunning))

	clk.Add(time.Second)
	require.True(t, tr.advance(1000))
	assert.InDelta(t, 1000, tr.Snapshot().Speed, 0.001)

	clk.Add(time.Second)
	require.True(t, tr.advance(3000))
	// 0.7*1000 + 0.3*2000
	assert.InDelta(t, 1300, tr.Snapshot().Speed, 0.001)

	snap := tr.Snapshot()
	assert.Equal(t, int64(3000), snap.Transferred)
	assert.InDelta(t, 75, snap.Progress(), 0.001)

	eta := tr.EstimatedTimeRemaining()
	assert.InDelta(t, float64(time.Second)*1000/1300, float64(eta), float64(time.Millisecond))

	tr.resetProgress()
	assert.Zero(t, tr.Snapshot().Transferred)
	assert.Zero(t, tr.EstimatedTimeRemaining())
}

func TestTransferFinishOnce(t *testing.T) {
	clk := clock.NewMock()
	tr := newTestTransfer(clk, 3)

	aborted := 0
	tr.setAbort(func() { aborted++ })
	require.NoError(t, tr.Cancel())
	assert.Equal(t, 1, aborted)

	clk.Add(time.Minute)
	assert.True(t, tr.finish(StateCompleted, nil, []byte("abc")))
	assert.False(t, tr.finish(StateError, errors.New("late"), nil))
	assert.False(t, tr.advance(3))
	assert.False(t, tr.setState(StateRunning))

	select {
	case <-tr.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Equal(t, StateCompleted, tr.State())
	assert.NoError(t, tr.Err())
	assert.Equal(t, []byte("abc"), tr.Data())
	assert.Equal(t, time.Minute, tr.Snapshot().EndTime.Sub(tr.Snapshot().StartTime))

	assert.Error(t, tr.Cancel())
	assert.Equal(t, 1, aborted)
}

func TestFailedTransferHidesData(t *testing.T) {
	tr := newTestTransfer(clock.NewMock(), 3)
	tr.finish(StateError, errors.New("broken"), []byte("abc"))
	assert.Nil(t, tr.Data())
	assert.EqualError(t, tr.Err(), "broken")
}

func TestFellBackIsSticky(t *testing.T) {
	tr := newTestTransfer(clock.NewMock(), 3)
	tr.setMethod(MethodBytestreams, false)
	tr.setMethod(MethodIBB, true)
	tr.setMethod(MethodIBB, false)
	snap := tr.Snapshot()
	assert.Equal(t, MethodIBB, snap.Method)
	assert.True(t, snap.FellBack)
}
