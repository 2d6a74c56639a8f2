package customoutput

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cfdlabs/cfdnode/cfdwire"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var (
	testTime   = time.Unix(1_700_000_000, 0)
	testChanID = lnwire.ChannelID{1, 2, 3}
	testSCID   = lnwire.ShortChannelID{BlockHeight: 101, TxIndex: 1}
	testScript = []byte{0x00, 0x20, 0x51}
)

// fakeChannels records the calls of the controller.
type fakeChannels struct {
	mu sync.Mutex

	details chanstate.ChannelDetails

	committed chan chanstate.Update
	received  []chanstate.Update
	abandoned int
	closed    chan bool

	// commitBlock makes CommitCustomOutput wait for its context.
	commitBlock bool

	// release is called with the message handed to
	// ReleaseCustomOutputCommitSig.
	release func(msg lnwire.Message)

	commitSigs chan *lnwire.CommitSig
}

func newFakeChannels(peer *btcec.PublicKey, initiator bool) *fakeChannels {
	return &fakeChannels{
		details: chanstate.ChannelDetails{
			ChanID:      testChanID,
			Peer:        peer,
			State:       chanstate.StateOpen,
			IsInitiator: initiator,
			IsUsable:    true,
			ShortChanID: fn.Some(testSCID),
		},
		committed:  make(chan chanstate.Update, 10),
		closed:     make(chan bool, 10),
		commitSigs: make(chan *lnwire.CommitSig, 10),
	}
}

func (f *fakeChannels) ListChannels() []chanstate.ChannelDetails {
	f.mu.Lock()
	defer f.mu.Unlock()

	return []chanstate.ChannelDetails{f.details}
}

func (f *fakeChannels) ChannelByShortID(
	scid lnwire.ShortChannelID) (chanstate.ChannelDetails, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if scid != testSCID {
		return chanstate.ChannelDetails{}, chanstate.ErrChannelNotFound
	}

	return f.details, nil
}

func (f *fakeChannels) CommitCustomOutput(ctx context.Context,
	_ lnwire.ChannelID, u chanstate.Update) error {

	if f.commitBlock {
		<-ctx.Done()
		return ctx.Err()
	}

	f.committed <- u

	return nil
}

func (f *fakeChannels) ReceiveCustomOutputUpdate(_ lnwire.ChannelID,
	_ *btcec.PublicKey, u chanstate.Update) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.received = append(f.received, u)

	return nil
}

func (f *fakeChannels) AbandonCustomOutputUpdate(context.Context,
	lnwire.ChannelID) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.abandoned++
}

func (f *fakeChannels) ValidateRevocation(lnwire.ChannelID,
	*lnwire.RevokeAndAck) error {

	return nil
}

func (f *fakeChannels) ReleaseCustomOutputCommitSig(_ context.Context,
	_ lnwire.ChannelID, _ *lnwire.RevokeAndAck, msg lnwire.Message) error {

	f.release(msg)

	return nil
}

func (f *fakeChannels) ReceiveCustomOutputCommitSig(_ context.Context,
	_ *btcec.PublicKey, sig *lnwire.CommitSig,
	_ *lnwire.RevokeAndAck) error {

	f.commitSigs <- sig

	return nil
}

func (f *fakeChannels) CloseChannel(_ context.Context, _ lnwire.ChannelID,
	force bool) error {

	f.closed <- force

	return nil
}

func (f *fakeChannels) receivedUpdates() []chanstate.Update {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]chanstate.Update(nil), f.received...)
}

// eventLog records published events.
type eventLog struct {
	events chan chanstate.Event
}

func (l *eventLog) Publish(_ context.Context, ev chanstate.Event) error {
	l.events <- ev
	return nil
}

func waitEvent[T chanstate.Event](t *testing.T, l *eventLog) T {
	t.Helper()

	select {
	case ev := <-l.events:
		typed, ok := ev.(T)
		require.Truef(t, ok, "unexpected event %T", ev)

		return typed

	case <-time.After(testTimeout):
		var zero T
		t.Fatalf("timeout waiting for %T", zero)
		return zero
	}
}

// linkMessenger hands custom messages to the remote controller from a
// goroutine, in order.
type linkMessenger struct {
	self  *btcec.PublicKey
	queue chan *lnwire.Custom
	sent  chan *lnwire.Custom
}

func newLinkMessenger(self *btcec.PublicKey) *linkMessenger {
	return &linkMessenger{
		self:  self,
		queue: make(chan *lnwire.Custom, 100),
		sent:  make(chan *lnwire.Custom, 100),
	}
}

func (l *linkMessenger) SendMessage(_ context.Context, _ *btcec.PublicKey,
	msg lnwire.Message) error {

	custom := msg.(*lnwire.Custom)
	l.sent <- custom
	l.queue <- custom

	return nil
}

func (l *linkMessenger) run(t *testing.T, to *Controller) {
	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })

	go func() {
		for {
			select {
			case msg := <-l.queue:
				_ = to.HandleMessage(
					context.Background(), l.self, msg,
				)

			case <-quit:
				return
			}
		}
	}()
}

// testNode is one side of a channel.
type testNode struct {
	ctrl     *Controller
	channels *fakeChannels
	events   *eventLog
	link     *linkMessenger
	key      *btcec.PrivateKey
	clock    *clock.TestClock
}

func newTestNode(t *testing.T, key *btcec.PrivateKey, peer *btcec.PublicKey,
	initiator bool, clk *clock.TestClock) *testNode {

	n := &testNode{
		channels: newFakeChannels(peer, initiator),
		events:   &eventLog{events: make(chan chanstate.Event, 100)},
		link:     newLinkMessenger(key.PubKey()),
		key:      key,
		clock:    clk,
	}
	n.channels.release = func(msg lnwire.Message) {
		_ = n.link.SendMessage(context.Background(), peer, msg)
	}

	n.ctrl = NewController(&Config{
		NodeKey:   key.PubKey(),
		Channels:  n.channels,
		Messenger: n.link,
		Events:    n.events,
		Clock:     clk,
	})
	require.NoError(t, n.ctrl.Start())
	t.Cleanup(func() { require.NoError(t, n.ctrl.Stop()) })

	return n
}

// newTestPair links two controllers. Alice opened the channel.
func newTestPair(t *testing.T) (*testNode, *testNode) {
	aliceKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bobKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	alice := newTestNode(
		t, aliceKey, bobKey.PubKey(), true, clock.NewTestClock(testTime),
	)
	bob := newTestNode(
		t, bobKey, aliceKey.PubKey(), false,
		clock.NewTestClock(testTime),
	)

	alice.link.run(t, bob.ctrl)
	bob.link.run(t, alice.ctrl)

	return alice, bob
}

// testCommitSig builds a signed commitment and revocation for the channel.
func testCommitSig(t *testing.T,
	key *btcec.PrivateKey) (*lnwire.CommitSig, *lnwire.RevokeAndAck) {

	sig, err := lnwire.NewSigFromSignature(
		ecdsa.Sign(key, chainhash.HashB([]byte("commitment"))),
	)
	require.NoError(t, err)

	rev := lnwire.NewRevokeAndAck()
	rev.ChanID = testChanID
	rev.Revocation = [32]byte{1}
	rev.NextRevocationKey = key.PubKey()

	return &lnwire.CommitSig{ChanID: testChanID, CommitSig: sig}, rev
}

// TestNewOutputIDUnique checks ids never collide with existing outputs.
func TestNewOutputIDUnique(t *testing.T) {
	t.Parallel()

	var existing []chanstate.CustomOutput
	seen := make(map[chanstate.CustomOutputID]struct{})
	for i := 0; i < 100; i++ {
		id, err := newOutputID(existing)
		require.NoError(t, err)

		_, dup := seen[id]
		require.False(t, dup)

		seen[id] = struct{}{}
		existing = append(existing, chanstate.CustomOutput{ID: id})
	}
}

// TestAddCustomOutput runs an add from proposal to the answer of the
// receiver.
func TestAddCustomOutput(t *testing.T) {
	t.Parallel()

	alice, bob := newTestPair(t)
	ctx := context.Background()

	// Bob plays the application: continue every remote add.
	go func() {
		ev := waitEvent[*RemoteAddCustomOutput](t, bob.events)
		_ = bob.ctrl.ContinueRemoteAdd(ctx, ev.Peer, ev.Proposal)
	}()

	type result struct {
		id  chanstate.CustomOutputID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := alice.ctrl.AddCustomOutput(
			ctx, testSCID, bob.key.PubKey(), 40_000_000, 60_000_000,
			2000, testScript,
		)
		done <- result{id, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(testTimeout):
		t.Fatal("add did not complete")
	}
	require.NoError(t, res.err)

	// Alice committed her side as taker.
	u := <-alice.channels.committed
	require.Equal(t, chanstate.UpdateAddCustomOutput, u.Kind)
	require.Equal(t, res.id, u.CustomOutput.ID)
	require.True(t, u.CustomOutput.LocalIsTaker)
	require.EqualValues(t, 40_000_000, u.CustomOutput.TakerAmount)
	require.EqualValues(t, 60_000_000, u.CustomOutput.MakerAmount)

	// Bob registered the same output as maker.
	received := bob.channels.receivedUpdates()
	require.Len(t, received, 1)
	require.Equal(t, res.id, received[0].CustomOutput.ID)
	require.False(t, received[0].CustomOutput.LocalIsTaker)
	require.Equal(t, uint32(2000), received[0].CustomOutput.Expiry)
	require.Equal(t, testScript, received[0].CustomOutput.Script)

	// Bob releases his answer, which reaches alice's channel layer.
	commitSig, rev := testCommitSig(t, bob.key)
	err := bob.ctrl.ManualSendCommitmentSigned(
		ctx, alice.key.PubKey(), commitSig, rev,
	)
	require.NoError(t, err)

	select {
	case sig := <-alice.channels.commitSigs:
		require.Equal(t, testChanID, sig.ChanID)
	case <-time.After(testTimeout):
		t.Fatal("commit sig not delivered")
	}
}

// TestRemoveCustomOutputAutoAck checks removes are acked without the
// application.
func TestRemoveCustomOutputAutoAck(t *testing.T) {
	t.Parallel()

	alice, bob := newTestPair(t)
	ctx := context.Background()

	id := chanstate.CustomOutputID{5}
	out := chanstate.CustomOutput{
		ID:          id,
		TakerAmount: 30_000_000,
		MakerAmount: 70_000_000,
		Expiry:      2000,
		Script:      testScript,
	}
	aliceOut := out
	aliceOut.LocalIsTaker = true
	alice.channels.details.CustomOutputs = []chanstate.CustomOutput{aliceOut}
	bob.channels.details.CustomOutputs = []chanstate.CustomOutput{out}

	// Payouts must cover the output exactly.
	err := alice.ctrl.RemoveCustomOutputExplicit(ctx, id, 1, 1)
	require.ErrorIs(t, err, chanstate.ErrPayoutMismatch)

	err = alice.ctrl.RemoveCustomOutput(ctx, id, 200_000_000)
	require.ErrorIs(t, err, chanstate.ErrPayoutMismatch)

	err = alice.ctrl.RemoveCustomOutput(ctx, chanstate.CustomOutputID{9}, 0)
	require.ErrorIs(t, err, chanstate.ErrUnknownCustomOutput)

	require.NoError(t, alice.ctrl.RemoveCustomOutput(ctx, id, 55_000_000))

	u := <-alice.channels.committed
	require.Equal(t, chanstate.UpdateRemoveCustomOutput, u.Kind)
	require.EqualValues(t, 55_000_000, u.TakerPayout)
	require.EqualValues(t, 45_000_000, u.MakerPayout)

	received := bob.channels.receivedUpdates()
	require.Len(t, received, 1)
	require.Equal(t, chanstate.UpdateRemoveCustomOutput, received[0].Kind)
	require.Equal(t, id, received[0].CustomOutput.ID)
	require.EqualValues(t, 55_000_000, received[0].TakerPayout)
	require.EqualValues(t, 45_000_000, received[0].MakerPayout)
}

// capPolicy rejects adds locking more than maxTotal and removes paying the
// taker more than maxPayout.
type capPolicy struct {
	maxTotal  lnwire.MilliSatoshi
	maxPayout lnwire.MilliSatoshi
}

var errPolicy = errors.New("refused by policy")

func (p *capPolicy) CheckAdd(_ context.Context, _ *btcec.PublicKey,
	out chanstate.CustomOutput) error {

	if out.Total() > p.maxTotal {
		return errPolicy
	}

	return nil
}

func (p *capPolicy) CheckRemove(_ context.Context, _ *btcec.PublicKey,
	_ chanstate.CustomOutput, payoutTaker, _ lnwire.MilliSatoshi) error {

	if payoutTaker > p.maxPayout {
		return errPolicy
	}

	return nil
}

// TestProposalPolicy checks proposals the policy refuses are rejected
// before the channel layer sees them.
func TestProposalPolicy(t *testing.T) {
	t.Parallel()

	alice, bob := newTestPair(t)
	bob.ctrl.SetPolicy(&capPolicy{
		maxTotal:  50_000_000,
		maxPayout: 40_000_000,
	})
	ctx := context.Background()

	go func() {
		ev := waitEvent[*RemoteAddCustomOutput](t, bob.events)
		_ = bob.ctrl.ContinueRemoteAdd(ctx, ev.Peer, ev.Proposal)
	}()

	_, err := alice.ctrl.AddCustomOutput(
		ctx, testSCID, bob.key.PubKey(), 30_000_000, 30_000_000, 2000,
		testScript,
	)
	require.ErrorContains(t, err, errPolicy.Error())
	require.Empty(t, bob.channels.receivedUpdates())

	id := chanstate.CustomOutputID{6}
	out := chanstate.CustomOutput{
		ID:          id,
		TakerAmount: 25_000_000,
		MakerAmount: 25_000_000,
		Expiry:      2000,
		Script:      testScript,
	}
	aliceOut := out
	aliceOut.LocalIsTaker = true
	alice.channels.details.CustomOutputs = []chanstate.CustomOutput{aliceOut}
	bob.channels.details.CustomOutputs = []chanstate.CustomOutput{out}

	err = alice.ctrl.RemoveCustomOutput(ctx, id, 45_000_000)
	require.ErrorContains(t, err, errPolicy.Error())
	require.Empty(t, bob.channels.receivedUpdates())
	require.Empty(t, alice.channels.committed)

	require.NoError(t, alice.ctrl.RemoveCustomOutput(ctx, id, 40_000_000))

	received := bob.channels.receivedUpdates()
	require.Len(t, received, 1)
	require.EqualValues(t, 40_000_000, received[0].TakerPayout)
}

// TestAddCustomOutputRejected checks a proposal fails when the peer
// rejects it.
func TestAddCustomOutputRejected(t *testing.T) {
	t.Parallel()

	alice, bob := newTestPair(t)
	ctx := context.Background()

	go func() {
		ev := waitEvent[*RemoteAddCustomOutput](t, bob.events)
		_ = bob.ctrl.reject(
			ctx, ev.Peer, ev.Proposal, ErrInvalidAmount,
		)
	}()

	_, err := alice.ctrl.AddCustomOutput(
		ctx, testSCID, bob.key.PubKey(), 1, 1, 2000, testScript,
	)
	require.ErrorContains(t, err, ErrInvalidAmount.Error())
	require.Empty(t, alice.channels.committed)
}

// TestAddCustomOutputValidation checks the proposal arguments.
func TestAddCustomOutputValidation(t *testing.T) {
	t.Parallel()

	alice, bob := newTestPair(t)
	ctx := context.Background()

	_, err := alice.ctrl.AddCustomOutput(
		ctx, testSCID, bob.key.PubKey(), 0, 0, 2000, testScript,
	)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = alice.ctrl.AddCustomOutput(
		ctx, testSCID, alice.key.PubKey(), 1, 1, 2000, testScript,
	)
	require.ErrorIs(t, err, ErrWrongPeer)

	_, err = alice.ctrl.AddCustomOutput(
		ctx, lnwire.ShortChannelID{BlockHeight: 7}, bob.key.PubKey(),
		1, 1, 2000, testScript,
	)
	require.ErrorIs(t, err, chanstate.ErrChannelNotFound)

	alice.channels.details.IsUsable = false
	_, err = alice.ctrl.AddCustomOutput(
		ctx, testSCID, bob.key.PubKey(), 1, 1, 2000, testScript,
	)
	require.ErrorIs(t, err, chanstate.ErrChannelNotUsable)
}

// TestAckTimeout checks a proposal without answer fails after the ack
// timeout and leaves the channel free for the next one.
func TestAckTimeout(t *testing.T) {
	t.Parallel()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	peerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ticks := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)

	// Nobody reads the link, the proposal is never answered.
	n := newTestNode(t, key, peerKey.PubKey(), true, clk)

	done := make(chan error, 1)
	go func() {
		_, err := n.ctrl.AddCustomOutput(
			context.Background(), testSCID, peerKey.PubKey(), 1, 1,
			2000, testScript,
		)
		done <- err
	}()

	select {
	case d := <-ticks:
		require.Equal(t, DefaultAckTimeout, d)
	case <-time.After(testTimeout):
		t.Fatal("ack timer not started")
	}

	// A second proposal on the same channel is refused meanwhile.
	_, err = n.ctrl.AddCustomOutput(
		context.Background(), testSCID, peerKey.PubKey(), 1, 1, 2000,
		testScript,
	)
	require.ErrorIs(t, err, ErrProposalPending)

	clk.SetTime(testTime.Add(DefaultAckTimeout))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAckTimeout)
	case <-time.After(testTimeout):
		t.Fatal("proposal did not time out")
	}

	n.ctrl.mu.Lock()
	require.Empty(t, n.ctrl.local)
	n.ctrl.mu.Unlock()
}

// TestCommitTimeoutForceCloses checks a stalled signature exchange
// settles the channel on chain.
func TestCommitTimeoutForceCloses(t *testing.T) {
	t.Parallel()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ticks := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)

	n := newTestNode(t, key, key.PubKey(), true, clk)
	n.channels.commitBlock = true

	u := chanstate.Update{
		Kind:         chanstate.UpdateAddCustomOutput,
		CustomOutput: chanstate.CustomOutput{ID: chanstate.CustomOutputID{1}},
	}

	done := make(chan error, 1)
	go func() {
		done <- n.ctrl.commit(context.Background(), testChanID, u)
	}()

	select {
	case d := <-ticks:
		require.Equal(t, DefaultCommitTimeout, d)
	case <-time.After(testTimeout):
		t.Fatal("commit timer not started")
	}
	clk.SetTime(testTime.Add(DefaultCommitTimeout))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCommitTimeout)
	case <-time.After(testTimeout):
		t.Fatal("commit did not time out")
	}
	require.True(t, <-n.channels.closed)
}

// TestCommitSigFromWrongSender checks the sender key must match the peer.
func TestCommitSigFromWrongSender(t *testing.T) {
	t.Parallel()

	alice, bob := newTestPair(t)

	commitSig, rev := testCommitSig(t, bob.key)
	custom, err := cfdwire.ToCustom(&cfdwire.CustomOutputCommitSig{
		CommitSig:    commitSig,
		RevokeAndAck: rev,
		SenderKey:    alice.key.PubKey(),
	})
	require.NoError(t, err)

	err = alice.ctrl.HandleMessage(
		context.Background(), bob.key.PubKey(), custom,
	)
	require.ErrorIs(t, err, ErrWrongPeer)
	require.Empty(t, alice.channels.commitSigs)
}

// TestPeerOfflineFailsProposal checks a disconnect fails the proposal in
// flight and drops the acked proposals of the peer.
func TestPeerOfflineFailsProposal(t *testing.T) {
	t.Parallel()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	peerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	n := newTestNode(
		t, key, peerKey.PubKey(), true, clock.NewTestClock(testTime),
	)

	done := make(chan error, 1)
	go func() {
		_, err := n.ctrl.AddCustomOutput(
			context.Background(), testSCID, peerKey.PubKey(), 1, 1,
			2000, testScript,
		)
		done <- err
	}()

	// Wait for the proposal to go out.
	select {
	case <-n.link.sent:
	case <-time.After(testTimeout):
		t.Fatal("proposal not sent")
	}

	// Register an acked remote proposal as well.
	remote := &cfdwire.ProposeCustomOutput{
		ChanID:      lnwire.ChannelID{7},
		OutputID:    [32]byte{7},
		Action:      cfdwire.ActionAdd,
		TakerAmount: 1,
		Script:      testScript,
	}
	require.NoError(t, n.ctrl.ContinueRemoteAdd(
		context.Background(), peerKey.PubKey(), remote,
	))

	n.ctrl.PeerOffline(peerKey.PubKey())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPeerOffline)
	case <-time.After(testTimeout):
		t.Fatal("proposal not failed")
	}

	n.channels.mu.Lock()
	require.Equal(t, 1, n.channels.abandoned)
	n.channels.mu.Unlock()
}
